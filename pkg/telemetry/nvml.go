package telemetry

import (
	"context"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/pkg/errors"

	"github.com/mediafoundry/vulcan-scheduler/pkg/logger"
)

// ============================================================================
// NVML SAMPLER
// ============================================================================

// NVMLSampler: Reads utilization, temperature and memory for every visible
// GPU through NVML. Device index order is assumed stable for the process
// lifetime and maps 1:1 to registry device ids.
type NVMLSampler struct {
	log *logger.Logger
}

// NewNVMLSampler: Initialize NVML; callers must Close when done
func NewNVMLSampler() (*NVMLSampler, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, errors.Errorf("nvml init: %s", nvml.ErrorString(ret))
	}
	return &NVMLSampler{log: logger.Get()}, nil
}

// Sample: One reading per visible GPU. A device whose read fails is dropped
// from the samples and reported in the failed slice; only losing NVML
// entirely fails the sweep.
func (n *NVMLSampler) Sample(ctx context.Context) ([]DeviceSample, []int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, nil, errors.Errorf("nvml device count: %s", nvml.ErrorString(ret))
	}

	samples := make([]DeviceSample, 0, count)
	var failed []int
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return samples, failed, err
		}

		sample, err := n.sampleDevice(i)
		if err != nil {
			n.log.Warn("NVML read failed for device %d: %v", i, err)
			failed = append(failed, i)
			continue
		}
		samples = append(samples, sample)
	}
	return samples, failed, nil
}

func (n *NVMLSampler) sampleDevice(index int) (DeviceSample, error) {
	dev, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return DeviceSample{}, fmt.Errorf("handle: %s", nvml.ErrorString(ret))
	}

	util, ret := dev.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return DeviceSample{}, fmt.Errorf("utilization: %s", nvml.ErrorString(ret))
	}

	temp, ret := dev.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return DeviceSample{}, fmt.Errorf("temperature: %s", nvml.ErrorString(ret))
	}

	mem, ret := dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return DeviceSample{}, fmt.Errorf("memory: %s", nvml.ErrorString(ret))
	}

	return DeviceSample{
		DeviceID:       index,
		UtilizationPct: float64(util.Gpu),
		TemperatureC:   float64(temp),
		UsedVRAM:       mem.Used,
	}, nil
}

// Close: Shut NVML down
func (n *NVMLSampler) Close() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return errors.Errorf("nvml shutdown: %s", nvml.ErrorString(ret))
	}
	return nil
}
