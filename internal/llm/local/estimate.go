package local

import (
	"math"
	"os"
)

// LayerEstimate is the outcome of GPU layer estimation. Layers -1 means the
// estimate is unavailable; 0 means the device cannot host a single layer.
type LayerEstimate struct {
	Layers int
	Reason string
}

const (
	mib = 1024.0 * 1024.0
	gib = 1024.0 * mib
)

// layerMetrics derives bytes-per-layer from the model file and its block
// count.
type layerMetrics struct {
	totalLayers   int
	bytesPerLayer float64
}

func resolveLayerMetrics(modelPath string) (layerMetrics, *LayerEstimate) {
	info, err := os.Stat(modelPath)
	if err != nil {
		return layerMetrics{}, &LayerEstimate{Layers: -1, Reason: "model file size unavailable"}
	}

	blockCount, ok := ExtractBlockCount(modelPath)
	if !ok || blockCount <= 0 {
		return layerMetrics{}, &LayerEstimate{Layers: -1, Reason: "model block count not found"}
	}

	return layerMetrics{
		totalLayers:   blockCount,
		bytesPerLayer: float64(info.Size()) / float64(blockCount),
	}, nil
}

// estimateLayersMetal sizes the offload for unified-memory systems. Free
// memory falls back to 60% of total when unreported; the budget keeps a 10%
// (min 512 MiB) reserve and stays within [35%, 80%] of total RAM.
func estimateLayersMetal(modelPath string, memory MemoryInfo) LayerEstimate {
	if !memory.Valid() {
		return LayerEstimate{Layers: -1, Reason: "no GPU memory metrics available"}
	}

	metrics, failure := resolveLayerMetrics(modelPath)
	if failure != nil {
		return *failure
	}

	approxFree := float64(memory.FreeBytes)
	totalBytes := float64(memory.TotalBytes)
	if approxFree <= 0 {
		approxFree = totalBytes * 0.6
	}

	safetyReserve := math.Max(totalBytes*0.10, 512*mib)
	budgetBytes := math.Max(approxFree-safetyReserve, totalBytes*0.35)
	budgetBytes = math.Min(budgetBytes, totalBytes*0.80)

	if budgetBytes <= 0 || metrics.bytesPerLayer <= 0 {
		return LayerEstimate{Layers: 0, Reason: "insufficient GPU memory budget"}
	}

	const overheadFactor = 1.20
	estimated := int(math.Floor(budgetBytes / (metrics.bytesPerLayer * overheadFactor)))
	estimated = clampInt(estimated, 1, metrics.totalLayers)

	return LayerEstimate{Layers: estimated, Reason: "estimated from GPU memory headroom"}
}

// estimateLayersDiscrete sizes the offload for discrete CUDA/Vulkan devices.
// Missing free memory falls back to 80% of the usable total; the budget
// keeps a 5% (min 192 MiB) reserve and is clamped to
// [45% of total, min(98% of free, 90% of total)].
func estimateLayersDiscrete(modelPath string, memory MemoryInfo) LayerEstimate {
	if !memory.Valid() && memory.FreeBytes == 0 {
		return LayerEstimate{Layers: -1, Reason: "GPU memory metrics unavailable"}
	}

	metrics, failure := resolveLayerMetrics(modelPath)
	if failure != nil {
		return *failure
	}

	approxFree := float64(memory.FreeBytes)
	totalBytes := float64(memory.TotalBytes)
	if totalBytes <= 0 {
		totalBytes = approxFree
	}

	usableTotal := math.Max(totalBytes, approxFree)
	if usableTotal <= 0 {
		return LayerEstimate{Layers: 0, Reason: "GPU memory metrics invalid"}
	}

	if approxFree <= 0 {
		approxFree = usableTotal * 0.80
	} else if approxFree > usableTotal {
		approxFree = usableTotal
	}

	if approxFree <= 0 || metrics.bytesPerLayer <= 0 {
		return LayerEstimate{Layers: 0, Reason: "insufficient GPU memory metrics"}
	}

	safetyReserve := math.Max(usableTotal*0.05, 192*mib)
	budgetBytes := approxFree - safetyReserve
	if budgetBytes <= 0 {
		budgetBytes = approxFree * 0.75
	}

	maxBudget := math.Min(approxFree*0.98, usableTotal*0.90)
	minBudget := usableTotal * 0.45
	budgetBytes = clampFloat(budgetBytes, minBudget, maxBudget)

	const overheadFactor = 1.08
	denominator := metrics.bytesPerLayer * overheadFactor
	if denominator <= 0 {
		return LayerEstimate{Layers: 0, Reason: "invalid layer parameters"}
	}

	estimated := int(math.Floor(budgetBytes / denominator))
	if estimated <= 0 {
		return LayerEstimate{Layers: 0, Reason: "insufficient GPU memory budget"}
	}

	estimated = clampInt(estimated, 1, metrics.totalLayers)
	return LayerEstimate{Layers: estimated, Reason: "estimated from GPU memory headroom"}
}

// capIntegratedGPUMemory bounds integrated devices to 4 GiB of usable
// memory; shared-memory devices report system RAM as device memory.
func capIntegratedGPUMemory(info BackendMemoryInfo) MemoryInfo {
	adjusted := info.Memory
	if !info.Integrated {
		return adjusted
	}
	const igpuCapBytes = uint64(4) * 1024 * 1024 * 1024
	if adjusted.FreeBytes > igpuCapBytes {
		adjusted.FreeBytes = igpuCapBytes
	}
	if adjusted.TotalBytes > igpuCapBytes {
		adjusted.TotalBytes = igpuCapBytes
	}
	return adjusted
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
