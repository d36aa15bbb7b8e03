package container

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"ctf-arena/internal/config"
)

const (
	networkPolicyName  = "ctf-instance-isolation"
	pullSecretName     = "ctf-registry"
	challengeContainer = "challenge"
)

// privateRanges are unreachable from instances unless listed in AllowedCIDRs.
var privateRanges = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16"}

type KubernetesOptions struct {
	Options
	Namespace    string
	AllowedCIDRs []string
	DNS          []string
	Security     SecurityProfile
}

// Kubernetes runs every instance as a pod plus a NodePort service in a dedicated
// namespace. Pod addresses are cluster-internal, so instances are marked for proxying.
type Kubernetes struct {
	client kubernetes.Interface
	opts   KubernetesOptions
	log    zerolog.Logger
}

func NewKubernetes(client kubernetes.Interface, opts KubernetesOptions) *Kubernetes {
	opts.Options = opts.Options.withDefaults()
	return &Kubernetes{
		client: client,
		opts:   opts,
		log:    log.With().Str("component", "kubernetes").Str("namespace", opts.Namespace).Logger(),
	}
}

func newKubernetesFromConfig(cfg *config.Config) (*Kubernetes, error) {
	kc := cfg.Runtime.Kubernetes

	var (
		restCfg *rest.Config
		err     error
	)
	if kc.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kc.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	security, err := NewSecurityProfile(cfg.Runtime.Docker.CapAdd, false)
	if err != nil {
		return nil, err
	}

	return NewKubernetes(clientset, KubernetesOptions{
		Options:      optionsFromConfig(cfg),
		Namespace:    kc.Namespace,
		AllowedCIDRs: kc.AllowedCIDRs,
		DNS:          kc.DNS,
		Security:     security,
	}), nil
}

func (k *Kubernetes) Name() string { return "kubernetes" }

func (k *Kubernetes) Close() error { return nil }

// Bootstrap ensures the namespace, the isolation policy and the registry pull
// secret exist. It is safe to call on every start.
func (k *Kubernetes) Bootstrap(ctx context.Context) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name:   k.opts.Namespace,
		Labels: map[string]string{LabelManagedBy: managedByValue},
	}}
	if _, err := k.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating namespace: %w", err)
	}

	if err := k.ensureNetworkPolicy(ctx); err != nil {
		return err
	}

	if k.opts.Registry.Enabled() {
		if err := k.ensurePullSecret(ctx); err != nil {
			return err
		}
	}

	k.log.Info().Msg("namespace bootstrapped")
	return nil
}

func (k *Kubernetes) ensureNetworkPolicy(ctx context.Context) error {
	egress := []networkingv1.NetworkPolicyPeer{{
		IPBlock: &networkingv1.IPBlock{CIDR: "0.0.0.0/0", Except: privateRanges},
	}}
	for _, cidr := range k.opts.AllowedCIDRs {
		egress = append(egress, networkingv1.NetworkPolicyPeer{IPBlock: &networkingv1.IPBlock{CIDR: cidr}})
	}

	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: networkPolicyName, Namespace: k.opts.Namespace},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{LabelManagedBy: managedByValue}},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress:      []networkingv1.NetworkPolicyEgressRule{{To: egress}},
		},
	}

	policies := k.client.NetworkingV1().NetworkPolicies(k.opts.Namespace)
	_, err := policies.Create(ctx, policy, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = policies.Update(ctx, policy, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("ensuring network policy: %w", err)
	}
	return nil
}

func (k *Kubernetes) ensurePullSecret(ctx context.Context) error {
	r := k.opts.Registry
	auth := base64.StdEncoding.EncodeToString([]byte(r.Username + ":" + r.Password))
	payload, err := json.Marshal(map[string]any{
		"auths": map[string]any{
			r.Server: map[string]string{"username": r.Username, "password": r.Password, "auth": auth},
		},
	})
	if err != nil {
		return fmt.Errorf("encoding pull secret: %w", err)
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: pullSecretName, Namespace: k.opts.Namespace},
		Type:       corev1.SecretTypeDockerConfigJson,
		Data:       map[string][]byte{corev1.DockerConfigJsonKey: payload},
	}

	secrets := k.client.CoreV1().Secrets(k.opts.Namespace)
	_, err = secrets.Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = secrets.Update(ctx, secret, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("ensuring pull secret: %w", err)
	}
	return nil
}

func (k *Kubernetes) buildPod(spec Spec, name string) *corev1.Pod {
	limits := ResolveLimits(spec, k.opts.Defaults)
	noToken, noLinks := false, false

	c := corev1.Container{
		Name:            challengeContainer,
		Image:           spec.Image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Ports:           []corev1.ContainerPort{{ContainerPort: int32(spec.ExposedPort), Protocol: corev1.ProtocolTCP}},
		Resources:       limits.kubernetesResources(),
		SecurityContext: k.opts.Security.kubernetesContext(spec.Privileged),
	}
	if spec.Flag != "" {
		c.Env = []corev1.EnvVar{{Name: k.opts.FlagEnv, Value: spec.Flag}}
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.opts.Namespace,
			Labels:    workloadLabels(spec, name),
		},
		Spec: corev1.PodSpec{
			Containers:                   []corev1.Container{c},
			RestartPolicy:                corev1.RestartPolicyAlways,
			AutomountServiceAccountToken: &noToken,
			EnableServiceLinks:           &noLinks,
		},
	}
	if k.opts.Registry.Enabled() {
		pod.Spec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: pullSecretName}}
	}
	if len(k.opts.DNS) > 0 {
		pod.Spec.DNSPolicy = corev1.DNSNone
		pod.Spec.DNSConfig = &corev1.PodDNSConfig{Nameservers: k.opts.DNS}
	}
	return pod
}

func (k *Kubernetes) buildService(spec Spec, name string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.opts.Namespace,
			Labels:    workloadLabels(spec, name),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{LabelInstance: name},
			Ports: []corev1.ServicePort{{
				Protocol:   corev1.ProtocolTCP,
				Port:       int32(spec.ExposedPort),
				TargetPort: intstr.FromInt32(int32(spec.ExposedPort)),
			}},
		},
	}
}

// CreateInstance creates the pod and its service. A failed service rolls the pod back.
func (k *Kubernetes) CreateInstance(ctx context.Context, spec Spec) (*Container, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	logger := k.log.With().
		Str("image", spec.Image).
		Int64("owner_id", spec.OwnerID).
		Int64("challenge_id", spec.ChallengeID).
		Logger()

	pods := k.client.CoreV1().Pods(k.opts.Namespace)

	var name string
	for attempt := 1; ; attempt++ {
		name = WorkloadName(spec.Image)
		_, err := pods.Create(ctx, k.buildPod(spec, name), metav1.CreateOptions{})
		if err == nil {
			break
		}
		if apierrors.IsAlreadyExists(err) && attempt < k.opts.CreateRetries {
			logger.Warn().Str("name", name).Int("attempt", attempt).Msg("pod name conflict, retrying")
			continue
		}
		logger.Error().Err(err).Str("name", name).Int("status", StatusCode(err)).Msg("pod create failed")
		return nil, &OpError{Backend: k.Name(), Op: "create_pod", Name: name, Err: fmt.Errorf("%w: %w", ErrCreateFailed, err)}
	}
	logger = logger.With().Str("name", name).Logger()

	services := k.client.CoreV1().Services(k.opts.Namespace)
	if _, err := services.Create(ctx, k.buildService(spec, name), metav1.CreateOptions{}); err != nil {
		logger.Error().Err(err).Int("status", StatusCode(err)).Msg("service create failed, rolling back pod")
		k.rollback(name, false)
		return nil, &OpError{Backend: k.Name(), Op: "create_service", Name: name, Err: fmt.Errorf("%w: %w", ErrCreateFailed, err)}
	}

	var svc *corev1.Service
	err := poll(ctx, k.opts.PollInterval, k.opts.PollAttempts, func(ctx context.Context) (bool, error) {
		var err error
		svc, err = services.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		return len(svc.Spec.Ports) > 0 && svc.Spec.Ports[0].NodePort != 0, nil
	})
	if err != nil {
		logger.Error().Err(err).Int("status", StatusCode(err)).Msg("node port was not assigned")
		k.rollback(name, true)
		return nil, &OpError{Backend: k.Name(), Op: "wait_service", Name: name, Err: fmt.Errorf("%w: %w", ErrNotReady, err)}
	}

	c := &Container{
		ID:         name,
		Name:       name,
		Image:      spec.Image,
		IP:         svc.Spec.ClusterIP,
		Port:       spec.ExposedPort,
		PublicIP:   k.opts.PublicEntry,
		PublicPort: int(svc.Spec.Ports[0].NodePort),
		IsProxy:    true,
		Status:     StatusRunning,
		StartedAt:  time.Now(),
	}

	logger.Info().Str("ip", c.IP).Int("node_port", c.PublicPort).Msg("pod and service created")
	return c, nil
}

// rollback removes what CreateInstance created. It runs detached from the request
// context so a cancelled request cannot leave an orphaned pod behind.
func (k *Kubernetes) rollback(name string, withService bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := k.delete(ctx, name, withService); err != nil {
		k.log.Warn().Err(err).Str("name", name).Msg("rollback incomplete, sweeper will retry")
	}
}

func (k *Kubernetes) delete(ctx context.Context, name string, withService bool) error {
	grace := int64(0)
	opts := metav1.DeleteOptions{GracePeriodSeconds: &grace}

	if withService {
		err := k.client.CoreV1().Services(k.opts.Namespace).Delete(ctx, name, opts)
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("deleting service %s: %w", name, err)
		}
	}
	err := k.client.CoreV1().Pods(k.opts.Namespace).Delete(ctx, name, opts)
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting pod %s: %w", name, err)
	}
	return nil
}

// DestroyInstance deletes the service and the pod; either being absent is fine.
func (k *Kubernetes) DestroyInstance(ctx context.Context, c *Container) error {
	name := c.ID
	if name == "" {
		name = c.Name
	}
	if name == "" {
		c.Status = StatusDestroyed
		return nil
	}

	if err := k.delete(ctx, name, true); err != nil {
		k.log.Warn().Err(err).Str("name", name).Int("status", StatusCode(err)).Msg("instance delete failed")
		return &OpError{Backend: k.Name(), Op: "delete", Name: name, Err: fmt.Errorf("%w: %w", ErrDestroyFailed, err)}
	}

	k.log.Info().Str("name", name).Msg("pod and service deleted")
	c.Status = StatusDestroyed
	return nil
}

// ListManaged lists arena pods in the namespace. The pod name is both ID and Name.
func (k *Kubernetes) ListManaged(ctx context.Context) ([]Workload, error) {
	pods, err := k.client.CoreV1().Pods(k.opts.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelManagedBy + "=" + managedByValue,
	})
	if err != nil {
		return nil, &OpError{Backend: k.Name(), Op: "list", Err: err}
	}

	out := make([]Workload, 0, len(pods.Items))
	for _, pod := range pods.Items {
		c := Container{
			ID:        pod.Name,
			Name:      pod.Name,
			Status:    StatusPending,
			StartedAt: pod.CreationTimestamp.Time,
			IsProxy:   true,
		}
		if len(pod.Spec.Containers) > 0 {
			c.Image = pod.Spec.Containers[0].Image
		}
		if pod.Status.Phase == corev1.PodRunning {
			c.Status = StatusRunning
		}
		out = append(out, workloadFromLabels(c, pod.Labels))
	}
	return out, nil
}
