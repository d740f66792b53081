package scanner

import (
	"fmt"
	"log/slog"

	"github.com/nugget/bt-mqtt-tracker/internal/config"
)

// New builds the scanner selected by cfg.Mode. addresses are the
// normalized addresses of the tracked devices; only the classic
// strategy needs them, since it has to ask each device directly.
func New(cfg config.ScanConfig, addresses []string, logger *slog.Logger) (Scanner, error) {
	switch cfg.Mode {
	case config.ScanModeLE, "":
		return NewLEScanner(logger), nil
	case config.ScanModeClassic:
		return NewClassicScanner(addresses, logger), nil
	case config.ScanModeARP:
		return NewARPScanner(cfg.Interface, cfg.MDNS, logger), nil
	default:
		return nil, fmt.Errorf("unknown scan mode %q", cfg.Mode)
	}
}
