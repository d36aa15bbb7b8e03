package container

import (
	"strings"

	containertypes "github.com/docker/docker/api/types/container"
	corev1 "k8s.io/api/core/v1"

	"ctf-arena/pkg/seccomp"
)

var maskedPaths = []string{
	"/proc/acpi",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/proc/scsi",
	"/sys/firmware",
	"/sys/devices/virtual/powercap",
}

var readonlyPaths = []string{
	"/proc/asound",
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

// SecurityProfile is the isolation applied to unprivileged workloads.
type SecurityProfile struct {
	CapAdd      []string
	SeccompJSON string // empty keeps the engine default profile
}

// NewSecurityProfile builds the profile; hardened adds the service seccomp filter.
func NewSecurityProfile(capAdd []string, hardened bool) (SecurityProfile, error) {
	p := SecurityProfile{CapAdd: capAdd}
	if hardened {
		data, err := seccomp.DockerProfileJSON(seccomp.ServiceProfile())
		if err != nil {
			return SecurityProfile{}, err
		}
		p.SeccompJSON = string(data)
	}
	return p, nil
}

// applyDocker drops every capability except the allowlist and forbids privilege
// escalation. Privileged specs skip this entirely.
func (p SecurityProfile) applyDocker(hc *containertypes.HostConfig) {
	hc.CapDrop = []string{"ALL"}
	hc.CapAdd = append([]string(nil), p.CapAdd...)
	hc.SecurityOpt = append(hc.SecurityOpt, "no-new-privileges")
	if p.SeccompJSON != "" {
		hc.SecurityOpt = append(hc.SecurityOpt, "seccomp="+p.SeccompJSON)
	}
	hc.MaskedPaths = maskedPaths
	hc.ReadonlyPaths = readonlyPaths
}

func (p SecurityProfile) kubernetesContext(privileged bool) *corev1.SecurityContext {
	if privileged {
		return &corev1.SecurityContext{Privileged: &privileged}
	}

	escalate := false
	caps := make([]corev1.Capability, 0, len(p.CapAdd))
	for _, c := range p.CapAdd {
		caps = append(caps, corev1.Capability(strings.ToUpper(c)))
	}
	return &corev1.SecurityContext{
		Privileged:               &privileged,
		AllowPrivilegeEscalation: &escalate,
		Capabilities: &corev1.Capabilities{
			Drop: []corev1.Capability{"ALL"},
			Add:  caps,
		},
		SeccompProfile: &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault},
	}
}
