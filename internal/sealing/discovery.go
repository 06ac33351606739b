package sealing

import (
	"fmt"

	"github.com/ItsAzM8/himmelblau/pkg/log"
)

// Selection controls which sealing backend Discover picks.
type Selection string

const (
	SelectAuto     Selection = "auto"
	SelectTPM      Selection = "tpm"
	SelectSoftware Selection = "software"
)

// Discover picks the sealing backend: the TPM when one is present (or when
// explicitly requested), otherwise the software key store. The returned
// sealer owns the secure-element channel until Close.
func Discover(selection Selection, tpmDevicePath, machineKeyPath string, logger *log.PrefixLogger) (Sealer, error) {
	switch selection {
	case SelectTPM:
		return NewTPMSealer(tpmDevicePath, logger)
	case SelectSoftware:
		logger.Warn("Software sealing selected: cached credentials carry online-only trust")
		return NewSoftwareSealer(machineKeyPath, logger)
	case SelectAuto, "":
		if TPMExists(tpmDevicePath) {
			if err := ValidateTPMVersion2(); err != nil {
				logger.Warnf("TPM present but unusable (%v), falling back to software sealing", err)
			} else {
				sealer, err := NewTPMSealer(tpmDevicePath, logger)
				if err == nil {
					return sealer, nil
				}
				logger.Warnf("Opening TPM failed (%v), falling back to software sealing", err)
			}
		}
		logger.Warn("No usable TPM: cached credentials carry online-only trust")
		return NewSoftwareSealer(machineKeyPath, logger)
	default:
		return nil, fmt.Errorf("unknown sealing selection %q", selection)
	}
}
