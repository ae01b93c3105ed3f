// internal/source/factory_test.go
package source

import (
	"testing"

	"github.com/colebrumley/integrator/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		sourceType string
		want       any
	}{
		{"filesystem", "filesystem", &Filesystem{}},
		{"scheduled", "scheduled", &Scheduled{}},
		{"webhook", "webhook", &Webhook{}},
		{"manual", "manual", &Manual{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Source{
				Name:           "test-source",
				Type:           tt.sourceType,
				Kind:           "custom",
				WatchPaths:     []string{t.TempDir()},
				CronExpression: "0 0 * * * *",
				ListenPath:     "/hooks/test",
				AllowedMethods: []string{"POST"},
			}

			src, err := New(cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = src.Stop() })

			assert.IsType(t, tt.want, src)
			assert.Equal(t, "test-source", src.Name())
		})
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(config.Source{Name: "x", Type: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown source type")
}

func TestNew_BadCron(t *testing.T) {
	_, err := New(config.Source{Name: "x", Type: "scheduled", Kind: "custom", CronExpression: "not cron"})
	assert.Error(t, err)
}

func TestConvertSimpleToCron(t *testing.T) {
	tests := map[string]string{
		"30s": "*/30 * * * * *",
		"15m": "0 */15 * * * *",
		"6h":  "0 0 */6 * * *",
		"":    "0 0 * * * *",
		"2d":  "0 0 * * * *",
	}
	for in, want := range tests {
		assert.Equal(t, want, convertSimpleToCron(in), "run_every %q", in)
	}
}
