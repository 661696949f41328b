package local

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

type backendPreference int

const (
	backendAuto backendPreference = iota
	backendCpu
	backendCuda
	backendVulkan
)

// detectPreferredBackend reads AI_FILE_SORTER_GPU_BACKEND.
func detectPreferredBackend() backendPreference {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envBackend))) {
	case "cuda":
		return backendCuda
	case "vulkan":
		return backendVulkan
	case "cpu":
		return backendCpu
	default:
		return backendAuto
	}
}

// selector applies the backend selection rules to produce model load
// parameters. metal marks unified-memory platforms.
type selector struct {
	engine Engine
	probes Probes
	log    *zap.Logger
	metal  bool
}

// buildModelParams chooses the backend and GPU layer count for a model load.
func (s selector) buildModelParams(modelPath string) ModelParams {
	if s.metal {
		return s.buildMetalParams(modelPath)
	}

	params := ModelParams{GPULayers: 0}
	pref := detectPreferredBackend()

	if pref == backendCpu {
		os.Setenv(envDisableCuda, "1")
		s.log.Info("GPU backend disabled via AI_FILE_SORTER_GPU_BACKEND=cpu")
		return params
	}

	if pref == backendVulkan {
		s.applyVulkanBackend(modelPath, &params)
		return params
	}

	if cudaForcedOff() {
		params.GPULayers = 0
		os.Setenv(envDisableCuda, "1")
		s.log.Info("CUDA disabled via GGML_DISABLE_CUDA environment override")
		if pref == backendCuda {
			s.log.Warn("AI_FILE_SORTER_GPU_BACKEND=cuda but GGML_DISABLE_CUDA forces CPU fallback")
		}
		return params
	}

	if pref == backendAuto {
		// Vulkan is the primary off-Metal backend; steer the runtime to it.
		os.Setenv(envBackend, "vulkan")
		os.Setenv(envLlamaDevice, "vulkan")
		s.applyVulkanBackend(modelPath, &params)
		return params
	}

	// CUDA requested explicitly.
	if !s.configureCudaBackend(modelPath, &params) {
		s.log.Warn("CUDA backend explicitly requested but unavailable; attempting Vulkan fallback")
		os.Setenv(envBackend, "vulkan")
		os.Setenv(envLlamaDevice, "vulkan")
		s.applyVulkanBackend(modelPath, &params)
	}
	return params
}

// buildMetalParams handles unified-memory platforms: the Metal backend is
// used whenever it is registered with a device, otherwise CPU.
func (s selector) buildMetalParams(modelPath string) ModelParams {
	params := ModelParams{GPULayers: 0}

	if isCPUBackendRequested() {
		s.log.Info("CPU backend requested; disabling Metal")
		return params
	}

	if !s.probes.backendAvailable(s.engine, "Metal") {
		s.log.Warn("Metal backend not registered or has no devices; falling back to CPU")
		return params
	}

	if override, ok := resolveGPULayerOverride(); ok {
		params.GPULayers = override
		s.log.Info("Using Metal backend with explicit n_gpu_layers override",
			zap.String("n_gpu_layers", gpuLayersToString(override)))
		return params
	}

	memory, ok := s.probes.backendMemory(s.engine, "Metal")
	if !ok {
		params.GPULayers = -1
		s.log.Warn("Metal memory metrics unavailable; leaving layer split to the backend")
		return params
	}

	estimate := estimateLayersMetal(modelPath, memory.Memory)
	if estimate.Layers >= 0 {
		params.GPULayers = estimate.Layers
	} else {
		params.GPULayers = -1
	}
	s.log.Info("Metal layer estimation",
		zap.Float64("total_mib", float64(memory.Memory.TotalBytes)/mib),
		zap.Float64("free_mib", float64(memory.Memory.FreeBytes)/mib),
		zap.String("n_gpu_layers", gpuLayersToString(params.GPULayers)),
		zap.String("reason", estimate.Reason))
	return params
}

// applyVulkanBackend configures the Vulkan backend. Returns false when
// Vulkan is unavailable or its memory metrics are missing, and the selection
// fell back to CPU; a non-positive n_gpu_layers override also selects CPU but
// returns true.
func (s selector) applyVulkanBackend(modelPath string, params *ModelParams) bool {
	s.engine.LoadBackends(os.Getenv(envGgmlDir))
	os.Setenv(envDisableCuda, "1")

	if !s.probes.backendAvailable(s.engine, "Vulkan") {
		params.GPULayers = 0
		os.Setenv(envBackend, "cpu")
		os.Setenv(envLlamaDevice, "cpu")
		s.log.Warn("Vulkan backend unavailable; using CPU backend")
		return false
	}

	memory, haveMemory := s.probes.backendMemory(s.engine, "vulkan")

	if override, ok := resolveGPULayerOverride(); ok {
		if override <= 0 {
			params.GPULayers = 0
			s.log.Info("Vulkan backend requested but n_gpu_layers override <= 0; using CPU instead")
			return true
		}
		params.GPULayers = override
		s.log.Info("Using Vulkan backend with explicit n_gpu_layers override",
			zap.String("n_gpu_layers", gpuLayersToString(override)))
		return true
	}

	if !haveMemory {
		params.GPULayers = 0
		os.Setenv(envBackend, "cpu")
		os.Setenv(envLlamaDevice, "cpu")
		s.log.Warn("Vulkan backend memory metrics unavailable; using CPU backend")
		return false
	}

	adjusted := capIntegratedGPUMemory(memory)
	if memory.Integrated {
		s.log.Info("Vulkan device reported as integrated GPU; capping usable memory",
			zap.Float64("cap_mib", 4*gib/mib))
	}

	estimate := estimateLayersDiscrete(modelPath, adjusted)
	if estimate.Layers > 0 {
		params.GPULayers = estimate.Layers
		s.log.Info("Vulkan layer estimation",
			zap.String("device", memory.Name),
			zap.Float64("total_mib", float64(adjusted.TotalBytes)/mib),
			zap.Float64("free_mib", float64(adjusted.FreeBytes)/mib),
			zap.String("n_gpu_layers", gpuLayersToString(params.GPULayers)),
			zap.String("reason", estimate.Reason))
	} else {
		params.GPULayers = -1
		s.log.Warn("Vulkan estimator could not determine n_gpu_layers; leaving the split to the backend",
			zap.String("reason", estimate.Reason))
	}
	return true
}

// configureCudaBackend configures the CUDA backend. Returns false when CUDA
// is unavailable so the caller can try Vulkan instead.
func (s selector) configureCudaBackend(modelPath string, params *ModelParams) bool {
	s.engine.LoadBackends(os.Getenv(envGgmlDir))

	if !s.probes.cudaAvailable(s.engine) {
		params.GPULayers = 0
		os.Setenv(envDisableCuda, "1")
		s.log.Info("CUDA backend unavailable; using CPU backend")
		return false
	}

	if override, ok := resolveGPULayerOverride(); ok {
		if override <= 0 {
			params.GPULayers = 0
			os.Setenv(envDisableCuda, "1")
			s.log.Info("n_gpu_layers override forces CPU fallback",
				zap.Int("override", override))
			return true
		}
		params.GPULayers = override
		s.log.Info("Using explicit CUDA n_gpu_layers override",
			zap.String("n_gpu_layers", gpuLayersToString(override)))
		return true
	}

	memory, ok := s.probes.cudaMemory(s.engine)
	if !ok {
		params.GPULayers = 0
		os.Setenv(envDisableCuda, "1")
		s.log.Warn("Unable to query CUDA memory information; falling back to CPU")
		return true
	}

	estimate := estimateLayersDiscrete(modelPath, memory)
	if estimate.Layers > 0 {
		params.GPULayers = estimate.Layers
		s.log.Info("CUDA layer estimation",
			zap.Float64("total_mib", float64(memory.TotalBytes)/mib),
			zap.Float64("free_mib", float64(memory.FreeBytes)/mib),
			zap.String("n_gpu_layers", gpuLayersToString(params.GPULayers)),
			zap.String("reason", estimate.Reason))
	} else {
		params.GPULayers = 0
		os.Setenv(envDisableCuda, "1")
		s.log.Info("CUDA not usable after estimation; falling back to CPU",
			zap.String("reason", estimate.Reason))
	}
	return true
}
