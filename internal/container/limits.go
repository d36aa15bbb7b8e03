package container

import (
	"fmt"
	"strconv"

	containertypes "github.com/docker/docker/api/types/container"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Limits caps the resources of one workload. StorageMB of 0 means no writable layer quota.
type Limits struct {
	CPUMilli  int64 `json:"cpu_milli"` // 1000 = 1 CPU core
	MemoryMB  int64 `json:"memory_mb"`
	StorageMB int64 `json:"storage_mb"`
}

func DefaultLimits() Limits {
	return Limits{
		CPUMilli: 500,
		MemoryMB: 256,
	}
}

func (l Limits) Validate() error {
	if l.CPUMilli < 10 || l.CPUMilli > 16000 {
		return fmt.Errorf("%w: cpu_milli must be 10-16000, got %d", ErrInvalidSpec, l.CPUMilli)
	}
	if l.MemoryMB < 16 || l.MemoryMB > 16384 {
		return fmt.Errorf("%w: memory_mb must be 16-16384, got %d", ErrInvalidSpec, l.MemoryMB)
	}
	if l.StorageMB < 0 || l.StorageMB > 65536 {
		return fmt.Errorf("%w: storage_mb must be 0-65536, got %d", ErrInvalidSpec, l.StorageMB)
	}
	return nil
}

// ResolveLimits takes the spec's limits and falls back to defaults field by field.
func ResolveLimits(spec Spec, defaults Limits) Limits {
	l := Limits{CPUMilli: spec.CPUMilli, MemoryMB: spec.MemoryMB, StorageMB: spec.StorageMB}
	if l.CPUMilli <= 0 {
		l.CPUMilli = defaults.CPUMilli
	}
	if l.MemoryMB <= 0 {
		l.MemoryMB = defaults.MemoryMB
	}
	if l.StorageMB <= 0 {
		l.StorageMB = defaults.StorageMB
	}
	return l
}

func (l Limits) dockerResources(pidsLimit int64) containertypes.Resources {
	memoryBytes := l.MemoryMB * 1024 * 1024
	r := containertypes.Resources{
		NanoCPUs:   l.CPUMilli * 1_000_000,
		Memory:     memoryBytes,
		MemorySwap: memoryBytes, // no swap beyond the memory cap
	}
	if pidsLimit > 0 {
		r.PidsLimit = &pidsLimit
	}
	return r
}

func (l Limits) dockerStorageOpt() map[string]string {
	if l.StorageMB <= 0 {
		return nil
	}
	return map[string]string{"size": strconv.FormatInt(l.StorageMB, 10) + "M"}
}

// kubernetesResources requests a tenth of the limit so nodes can be packed densely.
func (l Limits) kubernetesResources() corev1.ResourceRequirements {
	limits := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(l.CPUMilli, resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(l.MemoryMB*1024*1024, resource.BinarySI),
	}
	requests := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(max(l.CPUMilli/10, 1), resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(max(l.MemoryMB/10, 1)*1024*1024, resource.BinarySI),
	}
	if l.StorageMB > 0 {
		limits[corev1.ResourceEphemeralStorage] = *resource.NewQuantity(l.StorageMB*1024*1024, resource.BinarySI)
	}
	return corev1.ResourceRequirements{Limits: limits, Requests: requests}
}
