package vast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	gocontext "context"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vast-ai/vast-go/config"
	"github.com/vast-ai/vast-go/credentials"
	"github.com/vast-ai/vast-go/ssh"
)

const (
	testAPIKey = "asupersecretapikey"
	testSSHKey = "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAAB fake-key user@host"
)

type failPrompter struct {
	t *testing.T
}

func (p failPrompter) Password(string) (string, error) {
	p.t.Fatal("prompter must not be called")
	return "", nil
}

func newTestClient(t *testing.T, mux *http.ServeMux) (*Client, *config.Config) {
	t.Helper()

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	cfg := &config.Config{
		BaseURL:        server.URL,
		APIKeyFile:     filepath.Join(dir, ".vast_api_key"),
		SSHKeyDir:      filepath.Join(dir, "ssh"),
		SSHUser:        "root",
		SSHDialTimeout: time.Second,
	}
	require.NoError(t, os.MkdirAll(cfg.SSHKeyDir, 0700))

	client := NewClient(cfg)
	client.SetPrompter(failPrompter{t: t})

	return client, cfg
}

func storeKey(t *testing.T, cfg *config.Config, key string) {
	t.Helper()
	require.NoError(t, credentials.NewStore(cfg.APIKeyFile).Save(key))
}

func accountHandler(t *testing.T, wantKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "GET", req.Method)
		assert.Equal(t, wantKey, req.URL.Query().Get("api_key"))
		fmt.Fprintf(w, `{"id": 1234, "username": "john_doe", "ssh_key": %q}`, testSSHKey)
	}
}

func TestAuthenticateReusesStoredKey(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/current/", accountHandler(t, testAPIKey))

	client, cfg := newTestClient(t, mux)
	storeKey(t, cfg, testAPIKey)

	// failPrompter makes any prompt a test failure
	require.NoError(t, client.Authenticate(gocontext.TODO(), ""))

	assert.Equal(t, testAPIKey, client.APIKey())
	assert.Equal(t, testSSHKey, client.RegisteredSSHKey())
}

func TestAuthenticateNoCredentialNoUsername(t *testing.T) {
	client, _ := newTestClient(t, http.NewServeMux())

	err := client.Authenticate(gocontext.TODO(), "")
	assert.Equal(t, ErrCredentialNotFound, err)
}

func TestAuthenticateRejectedStoredKey(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/current/", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"msg": "invalid api key"}`)
	})

	client, cfg := newTestClient(t, mux)
	storeKey(t, cfg, "expiredkey")

	err := client.Authenticate(gocontext.TODO(), "")
	assert.IsType(t, &AuthenticationError{}, err)
}

func TestAuthenticateLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/current/", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "PUT", req.Method)
		assert.Empty(t, req.URL.Query().Get("api_key"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "john_doe", body["username"])
		assert.Equal(t, "abc123", body["password"])

		fmt.Fprintf(w, `{"api_key": %q, "ssh_key": %q}`, testAPIKey, testSSHKey)
	})

	client, cfg := newTestClient(t, mux)
	client.SetPrompter(StaticPrompter("abc123"))

	require.NoError(t, client.Authenticate(gocontext.TODO(), "john_doe"))
	assert.Equal(t, testAPIKey, client.APIKey())

	// the fresh key must be persisted for the next client
	saved, err := credentials.NewStore(cfg.APIKeyFile).Load()
	require.NoError(t, err)
	assert.Equal(t, testAPIKey, saved)
}

func TestAuthenticateLoginRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/current/", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"msg": "wrong password"}`)
	})

	client, _ := newTestClient(t, mux)
	client.SetPrompter(StaticPrompter("wrong"))

	err := client.Authenticate(gocontext.TODO(), "john_doe")

	authErr, ok := err.(*AuthenticationError)
	require.True(t, ok, "expected *AuthenticationError, got %T", err)
	assert.Equal(t, "john_doe", authErr.User)
}

func TestGetInstancesPreservesOrderAndFields(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instances/", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "me", req.URL.Query().Get("owner"))
		assert.Equal(t, testAPIKey, req.URL.Query().Get("api_key"))
		fmt.Fprint(w, `{"instances": [
			{"id": 9002, "gpu_name": "RTX 3090", "actual_status": "running", "some_vendor_field": "kept"},
			{"id": 9001, "gpu_name": "GTX 1080", "actual_status": "exited"}
		]}`)
	})

	client, _ := newTestClient(t, mux)
	client.apiKey = testAPIKey

	instances, err := client.GetInstances(gocontext.TODO())
	require.NoError(t, err)
	require.Len(t, instances, 2)

	// vendor response order, not id order
	assert.Equal(t, int64(9002), instances[0].ID())
	assert.Equal(t, int64(9001), instances[1].ID())

	// undocumented vendor fields survive verbatim
	assert.Equal(t, "kept", instances[0].Field("some_vendor_field").MustString())
	assert.Contains(t, instances[0].Fields(), "some_vendor_field")
}

func TestGetInstancesRequestError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instances/", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error": "upstream broke"}`)
	})

	client, _ := newTestClient(t, mux)
	client.apiKey = testAPIKey

	_, err := client.GetInstances(gocontext.TODO())

	reqErr, ok := err.(*RequestError)
	require.True(t, ok, "expected *RequestError, got %T", err)
	assert.Equal(t, http.StatusBadGateway, reqErr.Status)
	assert.Equal(t, "upstream broke", reqErr.Message)
}

func TestGetRunningInstances(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instances/", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"instances": [
			{"id": 1, "actual_status": "running"},
			{"id": 2, "actual_status": "exited"},
			{"id": 3, "actual_status": "running"}
		]}`)
	})

	client, _ := newTestClient(t, mux)
	client.apiKey = testAPIKey

	running, err := client.GetRunningInstances(gocontext.TODO())
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, int64(1), running[0].ID())
	assert.Equal(t, int64(3), running[1].ID())
}

func TestGetInstance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instances/4242/", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "GET", req.Method)
		fmt.Fprint(w, `{"instances": {"id": 4242, "actual_status": "running", "ssh_host": "ssh4.vast.ai", "ssh_port": 11922}}`)
	})

	client, _ := newTestClient(t, mux)
	client.apiKey = testAPIKey

	inst, err := client.GetInstance(gocontext.TODO(), 4242)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), inst.ID())
	assert.Equal(t, "ssh4.vast.ai", inst.SSHHost())
	assert.Equal(t, 11922, inst.SSHPort())
}

func TestGetInstanceNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instances/77/", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"msg": "no such instance"}`)
	})

	client, _ := newTestClient(t, mux)
	client.apiKey = testAPIKey

	_, err := client.GetInstance(gocontext.TODO(), 77)

	notFound, ok := err.(*InstanceNotFoundError)
	require.True(t, ok, "expected *InstanceNotFoundError, got %T", err)
	assert.Equal(t, int64(77), notFound.ID)
}

func TestGetInstanceEmptyRecord(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/instances/78/", func(w http.ResponseWriter, req *http.Request) {
		// some vendor endpoints 200 with a null record instead of a 404
		fmt.Fprint(w, `{"instances": null}`)
	})

	client, _ := newTestClient(t, mux)
	client.apiKey = testAPIKey

	_, err := client.GetInstance(gocontext.TODO(), 78)
	assert.IsType(t, &InstanceNotFoundError{}, err)
}

func TestStopAllInstances(t *testing.T) {
	stopped := []string{}

	mux := http.NewServeMux()
	mux.HandleFunc("/instances/", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"instances": [{"id": 1}, {"id": 2}]}`)
	})
	for _, id := range []string{"1", "2"} {
		id := id
		mux.HandleFunc("/instances/"+id+"/", func(w http.ResponseWriter, req *http.Request) {
			assert.Equal(t, "PUT", req.Method)
			stopped = append(stopped, id)
			fmt.Fprint(w, `{"success": true}`)
		})
	}

	client, _ := newTestClient(t, mux)
	client.apiKey = testAPIKey

	require.NoError(t, client.StopAllInstances(gocontext.TODO()))
	assert.Equal(t, []string{"1", "2"}, stopped)
}

func TestGetSSHKeyFile(t *testing.T) {
	client, cfg := newTestClient(t, http.NewServeMux())
	client.sshKey = testSSHKey

	require.NoError(t, os.WriteFile(filepath.Join(cfg.SSHKeyDir, "id_rsa"), []byte("private"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SSHKeyDir, "id_rsa.pub"), []byte(" "+testSSHKey+"\n"), 0644))

	path, err := client.GetSSHKeyFile()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.SSHKeyDir, "id_rsa"), path)
}

func TestGetSSHKeyFileNoMatch(t *testing.T) {
	client, cfg := newTestClient(t, http.NewServeMux())
	client.sshKey = testSSHKey

	_, err := client.GetSSHKeyFile()

	notFound, ok := err.(*ssh.PrivateKeyNotFoundError)
	require.True(t, ok, "expected *ssh.PrivateKeyNotFoundError, got %T", err)
	assert.Equal(t, cfg.SSHKeyDir, notFound.Dir)
	assert.Equal(t, testSSHKey, notFound.PublicKey)
}

func TestGetSSHKeyFileUnauthenticated(t *testing.T) {
	client, _ := newTestClient(t, http.NewServeMux())

	_, err := client.GetSSHKeyFile()
	assert.Equal(t, ErrNotAuthenticated, err)
}
