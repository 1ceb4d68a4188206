package stt_test

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/sttmux/sttmux/pkg/provider/stt"
)

// stubProvider is a minimal stt.Provider for registry tests.
type stubProvider struct {
	name string
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) StartStreaming(ctx context.Context, opts stt.StreamOptions) (stt.StreamHandle, error) {
	return nil, errors.New("not implemented")
}

func (p *stubProvider) TranscribeFilePCM(ctx context.Context, pcm io.Reader, opts stt.BatchOptions) (stt.BatchResult, error) {
	return stt.BatchResult{}, errors.New("not implemented")
}

func (p *stubProvider) PreferredSampleRate() int { return 16000 }
func (p *stubProvider) WantsTranscode() bool     { return false }
func (p *stubProvider) Close() error             { return nil }

func TestRegistryCreate(t *testing.T) {
	r := stt.NewRegistry()
	r.Register("stub", func(s stt.Settings) (stt.Provider, error) {
		return &stubProvider{name: s.Name}, nil
	})

	p, err := r.Create(stt.Settings{Name: "primary", Kind: "stub"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Name() != "primary" {
		t.Errorf("expected provider name %q, got %q", "primary", p.Name())
	}
}

func TestRegistryCreateUnknownKind(t *testing.T) {
	r := stt.NewRegistry()

	_, err := r.Create(stt.Settings{Name: "x", Kind: "nope"})
	if err == nil {
		t.Fatal("expected error for unregistered kind")
	}
	if !errors.Is(err, stt.ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestRegistryCreateFactoryError(t *testing.T) {
	r := stt.NewRegistry()
	want := errors.New("bad settings")
	r.Register("stub", func(stt.Settings) (stt.Provider, error) {
		return nil, want
	})

	_, err := r.Create(stt.Settings{Kind: "stub"})
	if !errors.Is(err, want) {
		t.Errorf("expected factory error to pass through, got %v", err)
	}
}

func TestRegistryRegisterOverwrites(t *testing.T) {
	r := stt.NewRegistry()
	r.Register("stub", func(stt.Settings) (stt.Provider, error) {
		return &stubProvider{name: "old"}, nil
	})
	r.Register("stub", func(stt.Settings) (stt.Provider, error) {
		return &stubProvider{name: "new"}, nil
	})

	p, err := r.Create(stt.Settings{Kind: "stub"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Name() != "new" {
		t.Errorf("expected later registration to win, got %q", p.Name())
	}
}

func TestRegistryKindsSorted(t *testing.T) {
	r := stt.NewRegistry()
	nop := func(stt.Settings) (stt.Provider, error) { return &stubProvider{}, nil }
	r.Register("wsbridge", nop)
	r.Register("fake", nop)
	r.Register("mock", nop)

	want := []string{"fake", "mock", "wsbridge"}
	if got := r.Kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("Kinds() = %v, want %v", got, want)
	}
}

func TestRegistryKindsEmpty(t *testing.T) {
	r := stt.NewRegistry()
	if got := r.Kinds(); len(got) != 0 {
		t.Errorf("expected no kinds, got %v", got)
	}
}
