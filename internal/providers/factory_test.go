package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"aiorch/config"
	"aiorch/internal/core"
)

// factoryMockProvider is a test implementation of core.Provider
type factoryMockProvider struct {
	name string
	cfg  config.ProviderConfig
	hc   *http.Client
}

func (m *factoryMockProvider) Name() string { return m.name }

func (m *factoryMockProvider) Complete(ctx context.Context, req *core.CompletionRequest) (*core.CompletionResponse, error) {
	return &core.CompletionResponse{Provider: m.name}, nil
}

func (m *factoryMockProvider) StreamComplete(ctx context.Context, req *core.CompletionRequest) (io.ReadCloser, error) {
	return nil, nil
}

func (m *factoryMockProvider) Capabilities() core.Capabilities { return core.Capabilities{} }

func (m *factoryMockProvider) EstimateTokens(req *core.CompletionRequest) int { return 0 }

func mockBuilder(opts ProviderOptions) (core.Provider, error) {
	return &factoryMockProvider{name: opts.Name, cfg: opts.Config, hc: opts.HTTPClient}, nil
}

func TestProviderFactory_Register(t *testing.T) {
	factory := NewProviderFactory()
	factory.Register("test-provider", mockBuilder)

	registered := factory.ListRegistered()
	if len(registered) != 1 {
		t.Fatalf("expected 1 registered provider, got %d", len(registered))
	}
	if registered[0] != "test-provider" {
		t.Errorf("expected 'test-provider', got %q", registered[0])
	}
}

func TestProviderFactory_Create_UnknownType(t *testing.T) {
	factory := NewProviderFactory()

	_, err := factory.Create("mystery", config.ProviderConfig{Type: "unknown-type", APIKey: "test-key"})
	if err == nil {
		t.Fatal("expected error for unknown provider type, got nil")
	}

	expectedMsg := "unknown provider type: unknown-type"
	if err.Error() != expectedMsg {
		t.Errorf("expected error message '%s', got '%s'", expectedMsg, err.Error())
	}
}

func TestProviderFactory_Create_PassesOptions(t *testing.T) {
	factory := NewProviderFactory()
	factory.Register("mock", mockBuilder)
	client := &http.Client{}
	factory.SetHTTPClient(client)

	p, err := factory.Create("primary", config.ProviderConfig{Type: "mock", APIKey: "secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mock := p.(*factoryMockProvider)
	if mock.name != "primary" {
		t.Errorf("name = %q, want primary", mock.name)
	}
	if mock.cfg.APIKey != "secret" {
		t.Errorf("config not passed through")
	}
	if mock.hc != client {
		t.Error("shared HTTP client not passed through")
	}
}

func TestProviderFactory_Create_NameDefaultsToType(t *testing.T) {
	factory := NewProviderFactory()
	factory.Register("mock", mockBuilder)

	p, err := factory.Create("", config.ProviderConfig{Type: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("Name() = %q, want mock", p.Name())
	}
}

func TestProviderFactory_Create_BuilderError(t *testing.T) {
	factory := NewProviderFactory()
	wantErr := errors.New("bad config")
	factory.Register("broken", func(ProviderOptions) (core.Provider, error) { return nil, wantErr })

	if _, err := factory.Create("x", config.ProviderConfig{Type: "broken"}); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestProviderFactory_Add(t *testing.T) {
	factory := NewProviderFactory()
	factory.Add(Registration{
		Type: "zeta",
		New:  func(opts ProviderOptions) core.Provider { return &factoryMockProvider{name: opts.Name} },
	})
	factory.Register("alpha", mockBuilder)

	registered := factory.ListRegistered()
	if len(registered) != 2 || registered[0] != "alpha" || registered[1] != "zeta" {
		t.Fatalf("ListRegistered() = %v, want [alpha zeta]", registered)
	}

	p, err := factory.Create("z", config.ProviderConfig{Type: "zeta"})
	if err != nil || p.Name() != "z" {
		t.Errorf("Create() = %v, %v", p, err)
	}
}

func TestProviderFactory_IsolatedInstances(t *testing.T) {
	a := NewProviderFactory()
	b := NewProviderFactory()
	a.Register("only-a", mockBuilder)

	if len(b.ListRegistered()) != 0 {
		t.Error("registrations leaked between factories")
	}
}
