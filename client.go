package vast

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	gocontext "context"

	"github.com/bitly/go-simplejson"
	"github.com/jtacoma/uritemplates"
	"github.com/pkg/errors"

	"github.com/vast-ai/vast-go/config"
	"github.com/vast-ai/vast-go/context"
	"github.com/vast-ai/vast-go/credentials"
	"github.com/vast-ai/vast-go/metrics"
	"github.com/vast-ai/vast-go/ssh"
)

var (
	userPathTemplate     = mustParseTemplate("users/current/")
	instancesTemplate    = mustParseTemplate("instances/")
	instancePathTemplate = mustParseTemplate("instances/{instance_id}/")
)

func mustParseTemplate(raw string) *uritemplates.UriTemplate {
	template, err := uritemplates.Parse(raw)
	if err != nil {
		panic(err)
	}
	return template
}

// Client is a session against the vast.ai API. It holds one credential for
// its lifetime and is otherwise stateless; every method performs at most one
// blocking HTTP request.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	store      *credentials.Store
	prompter   CredentialPrompter
	newDialer  func(keyPath string) (ssh.Dialer, error)

	apiKey string
	sshKey string
}

// NewClient builds a Client from the given config, or from the environment
// when cfg is nil. The credential store is disabled when cfg.APIKeyFile is
// empty, matching the vendor tooling's "don't persist" mode.
func NewClient(cfg *config.Config) *Client {
	if cfg == nil {
		cfg = config.FromEnviron()
	}

	c := &Client{
		cfg:        cfg,
		httpClient: http.DefaultClient,
		prompter:   TerminalPrompter{},
		newDialer: func(keyPath string) (ssh.Dialer, error) {
			return ssh.NewDialer(keyPath)
		},
		apiKey: cfg.APIKey,
	}

	if cfg.APIKeyFile != "" {
		c.store = credentials.NewStore(config.ExpandUser(cfg.APIKeyFile))
	}

	return c
}

// SetPrompter replaces the interactive password prompter, mainly so tests
// can log in without a terminal.
func (c *Client) SetPrompter(p CredentialPrompter) {
	c.prompter = p
}

// SetDialerFunc replaces the ssh dialer constructor used by RunCommand.
func (c *Client) SetDialerFunc(f func(keyPath string) (ssh.Dialer, error)) {
	c.newDialer = f
}

// APIKey returns the credential currently held by the client, if any.
func (c *Client) APIKey() string {
	return c.apiKey
}

// RegisteredSSHKey returns the account's registered public ssh key as
// reported by the vendor during the last Authenticate call.
func (c *Client) RegisteredSSHKey() string {
	return c.sshKey
}

// Authenticate establishes the client's credential. With a stored (or
// environment-supplied) key and no username it verifies the key against the
// account endpoint; with a username it prompts for a password and trades the
// pair for a fresh key, persisting it via the credential store. With neither
// it fails with ErrCredentialNotFound.
func (c *Client) Authenticate(ctx gocontext.Context, username string) error {
	logger := context.LoggerFromContext(ctx).WithField("self", "client")

	if c.apiKey == "" && c.store != nil {
		key, err := c.store.Load()
		switch err {
		case nil:
			logger.WithField("path", c.store.Path).Debug("loaded stored api key")
			c.apiKey = key
		case credentials.ErrNoCredential:
		default:
			return err
		}
	}

	if c.apiKey != "" && username == "" {
		resp, err := c.do(ctx, "GET", userPathTemplate, nil, nil, nil)
		if err != nil {
			if reqErr, ok := err.(*RequestError); ok && (reqErr.Status == http.StatusUnauthorized || reqErr.Status == http.StatusForbidden) {
				return &AuthenticationError{}
			}
			return err
		}

		c.sshKey = resp.Get("ssh_key").MustString()
		logger.Debug("verified stored api key")
		return nil
	}

	if username == "" {
		return ErrCredentialNotFound
	}

	password, err := c.prompter.Password(fmt.Sprintf("Password for %s: ", username))
	if err != nil {
		return err
	}

	// a stale key must not ride along on the login request
	c.apiKey = ""

	resp, err := c.do(ctx, "PUT", userPathTemplate, nil, nil, map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		if _, ok := err.(*RequestError); ok {
			return &AuthenticationError{User: username}
		}
		return err
	}

	key := resp.Get("api_key").MustString()
	if key == "" {
		return errors.New("login response did not include an api key")
	}

	c.apiKey = key
	c.sshKey = resp.Get("ssh_key").MustString()

	if c.store != nil {
		if err := c.store.Save(key); err != nil {
			return err
		}
		logger.WithField("path", c.store.Path).Info("saved api key")
	}

	return nil
}

// GetInstances fetches the account's configured instances, preserving the
// vendor's response order and every raw field of each record.
func (c *Client) GetInstances(ctx gocontext.Context) ([]*Instance, error) {
	resp, err := c.do(ctx, "GET", instancesTemplate, nil, url.Values{"owner": {"me"}}, nil)
	if err != nil {
		return nil, err
	}

	raw := resp.Get("instances")
	records, err := raw.Array()
	if err != nil {
		return nil, errors.Wrap(err, "unexpected shape of instances response")
	}

	instances := make([]*Instance, 0, len(records))
	for i := range records {
		instances = append(instances, &Instance{client: c, payload: raw.GetIndex(i)})
	}

	metrics.Gauge("vast.instances", int64(len(instances)))
	context.LoggerFromContext(ctx).WithField("count", len(instances)).Debug("fetched instances")

	return instances, nil
}

// GetRunningInstances returns the subset of GetInstances the vendor reports
// as currently running.
func (c *Client) GetRunningInstances(ctx gocontext.Context) ([]*Instance, error) {
	instances, err := c.GetInstances(ctx)
	if err != nil {
		return nil, err
	}

	running := []*Instance{}
	for _, inst := range instances {
		if inst.ActualStatus() == StatusRunning {
			running = append(running, inst)
		}
	}

	return running, nil
}

// GetInstance fetches a single instance by id. A vendor "no such id"
// response yields an *InstanceNotFoundError, never a partially-populated
// instance.
func (c *Client) GetInstance(ctx gocontext.Context, id int64) (*Instance, error) {
	resp, err := c.do(ctx, "GET", instancePathTemplate,
		map[string]interface{}{"instance_id": id}, url.Values{"owner": {"me"}}, nil)
	if err != nil {
		if reqErr, ok := err.(*RequestError); ok && reqErr.Status == http.StatusNotFound {
			return nil, &InstanceNotFoundError{ID: id}
		}
		return nil, err
	}

	payload := resp
	if record, ok := resp.CheckGet("instances"); ok {
		payload = record
	}

	if _, err := payload.Get("id").Int64(); err != nil {
		return nil, &InstanceNotFoundError{ID: id}
	}

	return &Instance{client: c, payload: payload}, nil
}

// StopAllInstances issues a stop for every configured instance, returning
// the first vendor rejection encountered.
func (c *Client) StopAllInstances(ctx gocontext.Context) error {
	instances, err := c.GetInstances(ctx)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if err := inst.Stop(ctx); err != nil {
			return err
		}
	}

	return nil
}

// GetSSHKeyFile locates the local private key whose public half matches the
// account's registered ssh key. Authenticate must have run first.
func (c *Client) GetSSHKeyFile() (string, error) {
	if c.sshKey == "" {
		return "", ErrNotAuthenticated
	}

	return ssh.FindPrivateKey(config.ExpandUser(c.cfg.SSHKeyDir), c.sshKey)
}

func (c *Client) apiURL(template *uritemplates.UriTemplate, vars map[string]interface{}, query url.Values) (string, error) {
	subpath, err := template.Expand(vars)
	if err != nil {
		return "", errors.Wrap(err, "couldn't expand URL template")
	}

	u := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + subpath

	if query == nil {
		query = url.Values{}
	}
	if c.apiKey != "" {
		query.Set("api_key", c.apiKey)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return u, nil
}

// do performs one authenticated request and decodes the JSON response.
// Non-2xx statuses become *RequestError carrying the vendor's message.
func (c *Client) do(ctx gocontext.Context, method string, template *uritemplates.UriTemplate,
	vars map[string]interface{}, query url.Values, body interface{}) (*simplejson.Json, error) {

	u, err := c.apiURL(template, vars, query)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "couldn't marshal request body to JSON")
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "error creating request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	metrics.Mark("vast.api.request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.Mark("vast.api.request.error")
		return nil, errors.Wrap(err, "error sending request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "error reading response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.Mark(fmt.Sprintf("vast.api.error.%d", resp.StatusCode))
		return nil, &RequestError{Status: resp.StatusCode, Message: vendorMessage(respBody)}
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return simplejson.New(), nil
	}

	js, err := simplejson.NewJson(respBody)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't decode response body")
	}

	return js, nil
}

// vendorMessage pulls the human-readable message out of an error response
// body, falling back to the raw body.
func vendorMessage(body []byte) string {
	if js, err := simplejson.NewJson(body); err == nil {
		if msg, err := js.Get("msg").String(); err == nil && msg != "" {
			return msg
		}
		if msg, err := js.Get("error").String(); err == nil && msg != "" {
			return msg
		}
	}

	return strings.TrimSpace(string(body))
}
