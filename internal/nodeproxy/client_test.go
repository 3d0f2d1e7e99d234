package nodeproxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDID(t *testing.T) {
	valid := []string{
		"did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK",
		"did:web:example.com",
		"did:agoramesh:node-1.example",
	}
	for _, did := range valid {
		assert.NoError(t, ValidateDID(did), did)
	}

	invalid := []string{
		"",
		"notadid",
		"did::missing",
		"did:KEY:upperMethod",
		"did:key:has/slash",
		"did:key:dot..segment",
		"did:key:" + string(rune(0x07)) + "bell",
		"did:key:sp ace",
	}
	for _, did := range invalid {
		var verr *ErrInvalidDID
		assert.ErrorAs(t, ValidateDID(did), &verr, "%q", did)
	}
}

func TestSearchAgents(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents", r.URL.Path)
		assert.Equal(t, "review", r.URL.Query().Get("q"))
		assert.Equal(t, "0.5", r.URL.Query().Get("minTrust"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		// Caller headers must not leak upstream.
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"agents":[{"did":"did:key:z6MkA","name":"Reviewer","trustScore":0.8}]}`))
	}))
	defer upstream.Close()

	c := NewClient(upstream.URL)
	agents, err := c.SearchAgents(context.Background(), "review", 0.5, 10)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "did:key:z6MkA", agents[0].DID)
	assert.Equal(t, 0.8, agents[0].TrustScore)
}

func TestGetAgent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/did:key:z6MkA", r.URL.Path)
		w.Write([]byte(`{"did":"did:key:z6MkA","name":"Reviewer","endpoint":"https://agent.example"}`))
	}))
	defer upstream.Close()

	c := NewClient(upstream.URL)
	agent, err := c.GetAgent(context.Background(), "did:key:z6MkA")
	require.NoError(t, err)
	assert.Equal(t, "Reviewer", agent.Name)
	assert.Equal(t, "https://agent.example", agent.Endpoint)
}

func TestGetAgentRejectsBadDIDWithoutRequest(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer upstream.Close()

	c := NewClient(upstream.URL)
	_, err := c.GetAgent(context.Background(), "did:key:../../admin")
	var verr *ErrInvalidDID
	require.ErrorAs(t, err, &verr)
	assert.False(t, called)
}

func TestGetTrustNotFound(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	c := NewClient(upstream.URL)
	_, err := c.GetTrust(context.Background(), "did:key:z6MkUnknown")
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestUpstreamErrorSurfacesStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "node melting", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	c := NewClient(upstream.URL)
	_, err := c.SearchAgents(context.Background(), "x", 0, 0)
	var uerr *ErrUpstream
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusInternalServerError, uerr.Status)
	assert.Contains(t, uerr.Body, "node melting")
}

func TestUnreachableUpstream(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.SearchAgents(context.Background(), "x", 0, 0)
	var uerr *ErrUpstream
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusBadGateway, uerr.Status)
}
