//go:build !linux

package kattach

import (
	"github.com/cilium/ebpf"
	"github.com/rs/zerolog"
)

// SelfTestCalibrator loads a calibration collection and reads back the
// features it observed. It requires Linux.
type SelfTestCalibrator struct {
	Spec       *ebpf.CollectionSpec
	Logger     zerolog.Logger
	KprobeList string
}

// Calibrate implements [Calibrator].
func (c *SelfTestCalibrator) Calibrate() (FeatureSet, error) {
	return FeatureSet{}, ErrUnsupportedPlatform
}

// HelperCalibrator probes individual helpers and link types. It requires Linux.
type HelperCalibrator struct {
	Logger zerolog.Logger
}

// Calibrate implements [Calibrator].
func (c *HelperCalibrator) Calibrate() (FeatureSet, error) {
	return FeatureSet{}, ErrUnsupportedPlatform
}

func defaultCalibrator(b *Bundle, kprobeList string, log zerolog.Logger) Calibrator {
	if b.Calibration != nil {
		return &SelfTestCalibrator{Spec: b.Calibration, Logger: log, KprobeList: kprobeList}
	}
	return &HelperCalibrator{Logger: log}
}
