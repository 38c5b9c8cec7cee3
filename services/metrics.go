package services

import (
	"context"
	"time"

	awspkg "github.com/yashrajoria/marketplace-payments/pkg/aws"
)

// recordCount emits a counter off the caller's path. A nil or disabled
// client records nothing.
func recordCount(m *awspkg.MetricsClient, name string, dims map[string]string) {
	if !m.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.RecordCount(ctx, name, dims)
	}()
}

func recordLatency(m *awspkg.MetricsClient, name string, d time.Duration, dims map[string]string) {
	if !m.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.RecordLatency(ctx, name, d, dims)
	}()
}

func recordValue(m *awspkg.MetricsClient, name string, v float64, dims map[string]string) {
	if !m.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.RecordValue(ctx, name, v, dims)
	}()
}
