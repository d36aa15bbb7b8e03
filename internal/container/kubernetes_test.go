package container

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"ctf-arena/internal/config"
)

const testNamespace = "ctf-test"

// assignNodePorts mimics the API server allocating a node port on service create.
func assignNodePorts(clientset *fake.Clientset, port int32) {
	clientset.PrependReactor("create", "services", func(action k8stesting.Action) (bool, runtime.Object, error) {
		svc := action.(k8stesting.CreateAction).GetObject().(*corev1.Service)
		svc.Spec.ClusterIP = "10.96.0.42"
		for i := range svc.Spec.Ports {
			svc.Spec.Ports[i].NodePort = port
		}
		return false, nil, nil
	})
}

func newTestKubernetes(clientset *fake.Clientset, registry config.RegistryConfig) *Kubernetes {
	security, _ := NewSecurityProfile([]string{"NET_BIND_SERVICE"}, false)
	return NewKubernetes(clientset, KubernetesOptions{
		Options: Options{
			PublicEntry:  "198.51.100.7",
			PollInterval: time.Millisecond,
			PollAttempts: 3,
			Registry:     registry,
		},
		Namespace:    testNamespace,
		AllowedCIDRs: []string{"10.10.0.0/16"},
		Security:     security,
	})
}

func podCount(t *testing.T, clientset *fake.Clientset) int {
	t.Helper()
	pods, err := clientset.CoreV1().Pods(testNamespace).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	return len(pods.Items)
}

func TestKubernetesBootstrapIdempotent(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	k := newTestKubernetes(clientset, config.RegistryConfig{Server: "registry.local", Username: "ci", Password: "s3cret"})
	ctx := context.Background()

	require.NoError(t, k.Bootstrap(ctx))
	require.NoError(t, k.Bootstrap(ctx))

	_, err := clientset.CoreV1().Namespaces().Get(ctx, testNamespace, metav1.GetOptions{})
	require.NoError(t, err)

	policy, err := clientset.NetworkingV1().NetworkPolicies(testNamespace).Get(ctx, networkPolicyName, metav1.GetOptions{})
	require.NoError(t, err)
	peers := policy.Spec.Egress[0].To
	require.Len(t, peers, 2)
	assert.Equal(t, "0.0.0.0/0", peers[0].IPBlock.CIDR)
	assert.Contains(t, peers[0].IPBlock.Except, "10.0.0.0/8")
	assert.Equal(t, "10.10.0.0/16", peers[1].IPBlock.CIDR)

	secret, err := clientset.CoreV1().Secrets(testNamespace).Get(ctx, pullSecretName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.SecretTypeDockerConfigJson, secret.Type)
	assert.Contains(t, string(secret.Data[corev1.DockerConfigJsonKey]), "registry.local")
}

func TestKubernetesBootstrapWithoutRegistry(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	k := newTestKubernetes(clientset, config.RegistryConfig{})
	ctx := context.Background()

	require.NoError(t, k.Bootstrap(ctx))
	_, err := clientset.CoreV1().Secrets(testNamespace).Get(ctx, pullSecretName, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestKubernetesCreateInstance(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	assignNodePorts(clientset, 30080)
	k := newTestKubernetes(clientset, config.RegistryConfig{Server: "registry.local", Username: "ci", Password: "x"})
	ctx := context.Background()

	c, err := k.CreateInstance(ctx, testSpec())
	require.NoError(t, err)

	assert.True(t, c.IsProxy)
	assert.Equal(t, c.Name, c.ID)
	assert.Equal(t, "10.96.0.42", c.IP)
	assert.Equal(t, "198.51.100.7", c.PublicIP)
	assert.Equal(t, 30080, c.PublicPort)
	assert.Equal(t, StatusRunning, c.Status)

	pod, err := clientset.CoreV1().Pods(testNamespace).Get(ctx, c.Name, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.RestartPolicyAlways, pod.Spec.RestartPolicy)
	assert.False(t, *pod.Spec.AutomountServiceAccountToken)
	assert.Equal(t, []corev1.LocalObjectReference{{Name: pullSecretName}}, pod.Spec.ImagePullSecrets)

	ctr := pod.Spec.Containers[0]
	assert.Equal(t, challengeContainer, ctr.Name)
	assert.Equal(t, []corev1.EnvVar{{Name: "FLAG", Value: "flag{abc}"}}, ctr.Env)
	assert.Equal(t, []corev1.Capability{"ALL"}, ctr.SecurityContext.Capabilities.Drop)
	assert.False(t, *ctr.SecurityContext.AllowPrivilegeEscalation)
	assert.Equal(t, "7", pod.Labels[LabelOwner])

	svc, err := clientset.CoreV1().Services(testNamespace).Get(ctx, c.Name, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.ServiceTypeNodePort, svc.Spec.Type)
	assert.Equal(t, map[string]string{LabelInstance: c.Name}, svc.Spec.Selector)
}

func TestKubernetesServiceFailureRollsBackPod(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("create", "services", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(corev1.Resource("services"), "", errors.New("quota exceeded"))
	})
	k := newTestKubernetes(clientset, config.RegistryConfig{})

	_, err := k.CreateInstance(context.Background(), testSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCreateFailed)
	assert.Equal(t, 403, StatusCode(err))
	assert.Zero(t, podCount(t, clientset), "pod must be rolled back")
}

func TestKubernetesNodePortTimeoutRollsBack(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	k := newTestKubernetes(clientset, config.RegistryConfig{})
	ctx := context.Background()

	_, err := k.CreateInstance(ctx, testSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Zero(t, podCount(t, clientset))

	services, err := clientset.CoreV1().Services(testNamespace).List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, services.Items)
}

func TestKubernetesDestroyInstance(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	assignNodePorts(clientset, 30081)
	k := newTestKubernetes(clientset, config.RegistryConfig{})
	ctx := context.Background()

	c, err := k.CreateInstance(ctx, testSpec())
	require.NoError(t, err)
	require.Equal(t, 1, podCount(t, clientset))

	require.NoError(t, k.DestroyInstance(ctx, c))
	assert.Equal(t, StatusDestroyed, c.Status)
	assert.Zero(t, podCount(t, clientset))

	// Second destroy finds nothing and still succeeds.
	c.Status = StatusRunning
	require.NoError(t, k.DestroyInstance(ctx, c))
	assert.Equal(t, StatusDestroyed, c.Status)
}

func TestKubernetesDestroyFailure(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("delete", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewServiceUnavailable("etcd unavailable")
	})
	k := newTestKubernetes(clientset, config.RegistryConfig{})

	c := &Container{ID: "web-deadbeef", Name: "web-deadbeef", Status: StatusRunning}
	err := k.DestroyInstance(context.Background(), c)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDestroyFailed)
	assert.Equal(t, StatusRunning, c.Status)
}

func TestKubernetesListManaged(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "unrelated", Namespace: testNamespace},
	})
	assignNodePorts(clientset, 30080)
	k := newTestKubernetes(clientset, config.RegistryConfig{})
	ctx := context.Background()

	c, err := k.CreateInstance(ctx, testSpec())
	require.NoError(t, err)

	list, err := k.ListManaged(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, c.Name, list[0].ID)
	assert.Equal(t, c.Name, list[0].Name)
	assert.Equal(t, int64(7), list[0].OwnerID)
	assert.Equal(t, int64(42), list[0].ChallengeID)
	assert.Equal(t, "registry.local/web:latest", list[0].Image)
}
