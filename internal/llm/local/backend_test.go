package local

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func clearBackendEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		envBackend, envLlamaDevice, envDisableCuda,
		envGpuLayers, envGpuLayersAlt,
	} {
		t.Setenv(key, "")
	}
}

func newSelector(probes Probes, metal bool) selector {
	return selector{engine: &fakeEngine{}, probes: probes, log: zap.NewNop(), metal: metal}
}

func TestDetectPreferredBackend(t *testing.T) {
	clearBackendEnv(t)

	t.Setenv(envBackend, "cuda")
	assert.Equal(t, backendCuda, detectPreferredBackend())

	t.Setenv(envBackend, "Vulkan")
	assert.Equal(t, backendVulkan, detectPreferredBackend())

	t.Setenv(envBackend, "cpu")
	assert.Equal(t, backendCpu, detectPreferredBackend())

	t.Setenv(envBackend, "")
	assert.Equal(t, backendAuto, detectPreferredBackend())
}

func TestCpuBackendIsHonoredWhenForced(t *testing.T) {
	clearBackendEnv(t)
	t.Setenv(envBackend, "cpu")

	params := newSelector(Probes{}, false).buildModelParams(writeTestModel(t, 4, 1024))
	assert.Equal(t, 0, params.GPULayers)
}

func TestCudaForcedOffFallsBackToCpu(t *testing.T) {
	clearBackendEnv(t)
	t.Setenv(envBackend, "cuda")
	t.Setenv(envDisableCuda, "1")

	probes := Probes{CudaAvailability: func() bool { return true }}
	params := newSelector(probes, false).buildModelParams(writeTestModel(t, 4, 1024))
	assert.Equal(t, 0, params.GPULayers)
}

func TestCudaOverrideIsApplied(t *testing.T) {
	clearBackendEnv(t)
	t.Setenv(envBackend, "cuda")
	t.Setenv(envGpuLayers, "7")

	probes := Probes{CudaAvailability: func() bool { return true }}
	params := newSelector(probes, false).buildModelParams(writeTestModel(t, 4, 1024))
	assert.Equal(t, 7, params.GPULayers)
}

func TestCudaUnavailableFallsBackThroughVulkan(t *testing.T) {
	clearBackendEnv(t)
	t.Setenv(envBackend, "cuda")

	probes := Probes{
		CudaAvailability:    func() bool { return false },
		BackendAvailability: func(name string) bool { return false },
	}
	params := newSelector(probes, false).buildModelParams(writeTestModel(t, 4, 1024))
	assert.Equal(t, 0, params.GPULayers)
}

func TestVulkanHonorsExplicitOverride(t *testing.T) {
	clearBackendEnv(t)
	t.Setenv(envBackend, "vulkan")
	t.Setenv(envGpuLayers, "12")

	probes := Probes{
		BackendAvailability: func(name string) bool { return true },
		BackendMemory:       func(name string) (BackendMemoryInfo, bool) { return BackendMemoryInfo{}, false },
	}
	params := newSelector(probes, false).buildModelParams(writeTestModel(t, 48, 8*1024*1024))
	assert.Equal(t, 12, params.GPULayers)
}

func TestVulkanDerivesLayersFromMemoryProbe(t *testing.T) {
	clearBackendEnv(t)
	t.Setenv(envBackend, "vulkan")

	probes := Probes{
		BackendAvailability: func(name string) bool { return true },
		BackendMemory: func(name string) (BackendMemoryInfo, bool) {
			return BackendMemoryInfo{
				Memory: MemoryInfo{
					FreeBytes:  3 * 1024 * 1024 * 1024,
					TotalBytes: 3 * 1024 * 1024 * 1024,
				},
				Name: "Vulkan Test GPU",
			}, true
		},
	}
	params := newSelector(probes, false).buildModelParams(writeTestModel(t, 48, 8*1024*1024))
	assert.Greater(t, params.GPULayers, 0)
	assert.LessOrEqual(t, params.GPULayers, 48)
}

func TestVulkanIntegratedDeviceIsCapped(t *testing.T) {
	clearBackendEnv(t)
	t.Setenv(envBackend, "vulkan")

	huge := uint64(64) * 1024 * 1024 * 1024
	var discreteLayers, integratedLayers int

	probe := func(integrated bool) Probes {
		return Probes{
			BackendAvailability: func(name string) bool { return true },
			BackendMemory: func(name string) (BackendMemoryInfo, bool) {
				return BackendMemoryInfo{
					Memory:     MemoryInfo{FreeBytes: huge, TotalBytes: huge},
					Integrated: integrated,
				}, true
			},
		}
	}

	// A sparse multi-GiB model makes the 4 GiB cap change the outcome.
	model := writeTestModel(t, 64, 6*1024*1024*1024)
	discreteLayers = newSelector(probe(false), false).buildModelParams(model).GPULayers
	integratedLayers = newSelector(probe(true), false).buildModelParams(model).GPULayers

	assert.Greater(t, discreteLayers, 0)
	assert.Greater(t, integratedLayers, 0)
	assert.Less(t, integratedLayers, discreteLayers)
}

func TestVulkanFallsBackToCpuWithoutMemoryMetrics(t *testing.T) {
	clearBackendEnv(t)
	t.Setenv(envBackend, "vulkan")

	probes := Probes{
		BackendAvailability: func(name string) bool { return true },
		BackendMemory:       func(name string) (BackendMemoryInfo, bool) { return BackendMemoryInfo{}, false },
	}
	params := newSelector(probes, false).buildModelParams(writeTestModel(t, 48, 8*1024*1024))
	assert.Equal(t, 0, params.GPULayers)
}

func TestVulkanFallsBackToCpuWhenUnavailable(t *testing.T) {
	clearBackendEnv(t)
	t.Setenv(envBackend, "vulkan")

	probes := Probes{
		BackendAvailability: func(name string) bool { return false },
	}
	params := newSelector(probes, false).buildModelParams(writeTestModel(t, 48, 8*1024*1024))
	assert.Equal(t, 0, params.GPULayers)
}

func TestAutoPrefersVulkan(t *testing.T) {
	clearBackendEnv(t)

	var askedBackends []string
	probes := Probes{
		BackendAvailability: func(name string) bool {
			askedBackends = append(askedBackends, name)
			return false
		},
	}
	params := newSelector(probes, false).buildModelParams(writeTestModel(t, 4, 1024))
	assert.Equal(t, 0, params.GPULayers)
	assert.Contains(t, askedBackends, "Vulkan")
}

func TestMetalSelection(t *testing.T) {
	t.Run("unavailable metal falls back to CPU", func(t *testing.T) {
		clearBackendEnv(t)
		probes := Probes{BackendAvailability: func(name string) bool { return false }}
		params := newSelector(probes, true).buildModelParams(writeTestModel(t, 32, 8*1024*1024))
		assert.Equal(t, 0, params.GPULayers)
	})

	t.Run("estimates layers from unified memory", func(t *testing.T) {
		clearBackendEnv(t)
		probes := Probes{
			BackendAvailability: func(name string) bool { return name == "Metal" },
			BackendMemory: func(name string) (BackendMemoryInfo, bool) {
				return BackendMemoryInfo{
					Memory: MemoryInfo{
						FreeBytes:  8 * 1024 * 1024 * 1024,
						TotalBytes: 16 * 1024 * 1024 * 1024,
					},
				}, true
			},
		}
		params := newSelector(probes, true).buildModelParams(writeTestModel(t, 32, 8*1024*1024))
		assert.Greater(t, params.GPULayers, 0)
		assert.LessOrEqual(t, params.GPULayers, 32)
	})

	t.Run("cpu request wins", func(t *testing.T) {
		clearBackendEnv(t)
		t.Setenv(envBackend, "cpu")
		probes := Probes{BackendAvailability: func(name string) bool { return true }}
		params := newSelector(probes, true).buildModelParams(writeTestModel(t, 32, 8*1024*1024))
		assert.Equal(t, 0, params.GPULayers)
	})

	t.Run("override short-circuits estimation", func(t *testing.T) {
		clearBackendEnv(t)
		t.Setenv(envGpuLayers, "9")
		probes := Probes{BackendAvailability: func(name string) bool { return true }}
		params := newSelector(probes, true).buildModelParams(writeTestModel(t, 32, 8*1024*1024))
		assert.Equal(t, 9, params.GPULayers)
	})
}
