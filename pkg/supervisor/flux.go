package supervisor

import (
	"fmt"
	"os"
)

// ValidateFluxEncoderPaths enforces spec §4.6's rule for the flux
// (image-generation) service: if a local ModelPath is given, all three
// encoder paths (CLIP-L, T5-XXL, VAE) are required and must exist on
// disk. When ModelPath is empty (a hosted model), validation is skipped.
func ValidateFluxEncoderPaths(opts StartOptions) error {
	if opts.ModelPath == "" {
		return nil
	}

	missing := map[string]string{
		"text encoder (CLIP-L)": opts.TextEncoderPath,
		"text encoder (T5-XXL)": opts.TextEncoder2Path,
		"VAE":                   opts.VAEPath,
	}
	for label, path := range missing {
		if path == "" {
			return fmt.Errorf("flux local model requires %s path", label)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("flux %s path does not exist: %s", label, path)
		}
	}
	return nil
}
