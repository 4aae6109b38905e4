package bigip

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAppliance struct {
	mu        sync.Mutex
	password  string
	requests  []string
	extendErr bool
	revoked   []string
	bashArgs  []string
	bashReply string
}

func (f *fakeAppliance) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mgmt/shared/authn/login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != f.password || req.LoginProviderName != "tmos" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"token":{"token":"tok-123","timeout":1200}}`))
	})
	mux.HandleFunc("/mgmt/shared/authz/tokens/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		token := strings.TrimPrefix(r.URL.Path, "/mgmt/shared/authz/tokens/")
		switch r.Method {
		case http.MethodPatch:
			if f.extendErr {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		case http.MethodDelete:
			f.revoked = append(f.revoked, token)
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/mgmt/tm/sys/global-settings", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(AuthHeader) != "tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"hostname":"bigip1.example.com"}`))
	})
	mux.HandleFunc("/mgmt/tm/util/bash", func(w http.ResponseWriter, r *http.Request) {
		var req utilRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.bashArgs = append(f.bashArgs, req.UtilCmdArgs)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(utilResponse{CommandResult: f.bashReply})
	})
	mux.HandleFunc("/mgmt/tm/util/unix-mv", func(w http.ResponseWriter, r *http.Request) {
		var req utilRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.UtilCmdArgs, "missing") {
			_ = json.NewEncoder(w).Encode(utilResponse{CommandResult: "mv: cannot stat 'missing': No such file or directory"})
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"command":"run"}`))
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeAppliance) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewClient("10.0.0.1", WithBaseURL(srv.URL))
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name      string
		password  string
		extendErr bool
		want      bool
	}{
		{name: "valid credentials", password: "secret", want: true},
		{name: "wrong password", password: "nope", want: false},
		{name: "extend failure is not fatal", password: "secret", extendErr: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeAppliance{password: "secret", extendErr: tt.extendErr}
			c := newTestClient(t, f)

			got := c.Connect(context.Background(), "admin", tt.password)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, c.IsAuthenticated())
		})
	}
}

func TestConnect_UnreachableFailsClosed(t *testing.T) {
	c := NewClient("10.0.0.1", WithBaseURL("http://127.0.0.1:1"))
	assert.False(t, c.Connect(context.Background(), "admin", "secret"))
	assert.Empty(t, c.Token())
}

func TestLogoutRevokesAndClears(t *testing.T) {
	f := &fakeAppliance{password: "secret"}
	c := newTestClient(t, f)
	ctx := context.Background()

	require.True(t, c.Connect(ctx, "admin", "secret"))
	c.Logout(ctx)

	assert.False(t, c.IsAuthenticated())
	assert.Equal(t, []string{"tok-123"}, f.revoked)

	// a second logout is a no-op
	c.Logout(ctx)
	assert.Len(t, f.revoked, 1)
}

func TestGetTMCarriesToken(t *testing.T) {
	f := &fakeAppliance{password: "secret"}
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.GetTM(ctx, "sys/global-settings")
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnauthorized, serr.Code)

	require.True(t, c.Connect(ctx, "admin", "secret"))
	var out struct {
		Hostname string `json:"hostname"`
	}
	require.NoError(t, c.GetJSON(ctx, "/mgmt/tm/sys/global-settings", &out))
	assert.Equal(t, "bigip1.example.com", out.Hostname)
}

func TestResolveURL(t *testing.T) {
	c := NewClient("10.0.0.1")

	tests := []struct {
		in   string
		want string
	}{
		{"https://localhost/mgmt/shared/file-transfer/qkview-downloads/a.qkview", "https://10.0.0.1/mgmt/shared/file-transfer/qkview-downloads/a.qkview"},
		{"https://127.0.0.1:443/x", "https://10.0.0.1/x"},
		{"/mgmt/shared/file-transfer/downloads/a.ucs", "https://10.0.0.1/mgmt/shared/file-transfer/downloads/a.ucs"},
		{"mgmt/shared/x", "https://10.0.0.1/mgmt/shared/x"},
		{"https://other.example.com/x", "https://other.example.com/x"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, c.ResolveURL(tt.in))
		})
	}
}

func TestShellRunQuotesCommand(t *testing.T) {
	f := &fakeAppliance{password: "secret", bashReply: "12345\n"}
	c := newTestClient(t, f)
	sh := NewShell(c, 0)

	out, ok := sh.Run(context.Background(), "stat -c %s "+QuotePath("/var/local/ucs/bigip 1.ucs"))
	require.True(t, ok)
	assert.Equal(t, "12345\n", out)
	require.Len(t, f.bashArgs, 1)
	assert.Equal(t, `-c 'stat -c %s "/var/local/ucs/bigip 1.ucs"'`, f.bashArgs[0])
}

func TestShellMove(t *testing.T) {
	f := &fakeAppliance{password: "secret"}
	c := newTestClient(t, f)
	sh := NewShell(c, 100)
	ctx := context.Background()

	assert.True(t, sh.Move(ctx, "/var/tmp/a.qkview", "/var/config/rest/downloads/a.qkview"))
	assert.False(t, sh.Move(ctx, "/var/tmp/missing", "/var/config/rest/downloads/missing"))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `'/var/tmp/a b'`, Quote("/var/tmp/a b"))
	assert.Equal(t, `'a'\''b'`, Quote("a'b"))
}

func TestQuotePath(t *testing.T) {
	assert.Equal(t, `"/var/tmp/a b.qkview"`, QuotePath("/var/tmp/a b.qkview"))
	assert.Equal(t, `"/var/tmp/\$x\"y"`, QuotePath(`/var/tmp/$x"y`))
}
