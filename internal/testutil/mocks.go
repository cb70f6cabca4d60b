package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
)

// FakeThreatIntel implements ports.ThreatIntelAPI for testing. Values
// without configured data answer ErrNotFound.
type FakeThreatIntel struct {
	mu sync.Mutex

	data      map[string]map[domain.Section]*domain.SectionData
	errs      map[string]error
	probeErrs map[string]error

	Delay   time.Duration
	Calls   int
	Secrets []string
}

func NewFakeThreatIntel() *FakeThreatIntel {
	return &FakeThreatIntel{
		data:      make(map[string]map[domain.Section]*domain.SectionData),
		errs:      make(map[string]error),
		probeErrs: make(map[string]error),
	}
}

// SetFound makes value resolve with a general section carrying pulses.
func (f *FakeThreatIntel) SetFound(value string, pulses int, tags ...string) {
	f.SetSection(value, &domain.SectionData{
		Section:    domain.SectionGeneral,
		PulseCount: pulses,
		PulseNames: []string{"pulse for " + value},
		PulseTags:  tags,
	})
}

// SetSection registers one decoded section for value.
func (f *FakeThreatIntel) SetSection(value string, data *domain.SectionData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[value] == nil {
		f.data[value] = make(map[domain.Section]*domain.SectionData)
	}
	f.data[value][data.Section] = data
}

// SetError makes every section lookup for value fail with err.
func (f *FakeThreatIntel) SetError(value string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[value] = err
}

// SetProbeError makes WhoAmI fail for secret.
func (f *FakeThreatIntel) SetProbeError(secret string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErrs[secret] = err
}

func (f *FakeThreatIntel) FetchSection(ctx context.Context, secret string, _ domain.IndicatorType, value string, section domain.Section) (*domain.SectionData, error) {
	f.mu.Lock()
	f.Calls++
	f.Secrets = append(f.Secrets, secret)
	delay := f.Delay
	err := f.errs[value]
	data := f.data[value][section]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrTransient, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (f *FakeThreatIntel) WhoAmI(ctx context.Context, secret string) error {
	f.mu.Lock()
	delay := f.Delay
	err := f.probeErrs[secret]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrTransient, ctx.Err())
		}
	}
	return err
}

// CallCount returns the number of section requests served.
func (f *FakeThreatIntel) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

// FakeExportAPI implements ports.ExportAPI for testing.
type FakeExportAPI struct {
	mu     sync.Mutex
	Events []domain.ExportEvent
	Err    error
}

func (f *FakeExportAPI) CreateEvent(_ context.Context, event domain.ExportEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.Events = append(f.Events, event)
	return fmt.Sprintf("evt-%d", len(f.Events)), nil
}

// CallCount returns the number of events created.
func (f *FakeExportAPI) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Events)
}
