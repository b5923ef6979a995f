package redirector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tfkr-ae/redirector/db"
	"github.com/tfkr-ae/redirector/dnsoverride"
	"github.com/tfkr-ae/redirector/redirect"
)

func setupTestRepo(t *testing.T) (*db.Repository, string) {
	t.Helper()

	name := filepath.Join(t.TempDir(), "redirector.db")
	dbConn, err := db.New(name)
	if err != nil {
		t.Fatalf("db.New() failed: %v", err)
	}
	return db.NewRepository(dbConn), name
}

func reopenTestRepo(t *testing.T, name string) *db.Repository {
	t.Helper()

	dbConn, err := db.New(name)
	if err != nil {
		t.Fatalf("db.New() failed: %v", err)
	}
	repo := db.NewRepository(dbConn)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// staticResolver resolves IP literals and the hosts it knows about
type staticResolver struct {
	known map[string]string
}

func (r staticResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}
	if ip, ok := r.known[host]; ok {
		return []string{ip}, nil
	}
	return nil, fmt.Errorf("resolving %s : no such host", host)
}

type notifications struct {
	mu    sync.Mutex
	items []redirect.Notification
}

func (n *notifications) add(notification redirect.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, notification)
}

func (n *notifications) has(text string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, item := range n.items {
		if item.Text == text {
			return true
		}
	}
	return false
}

func TestProxy_Listeners(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	defer p.Close()

	t.Run("adding the same listener twice should register it once", func(t *testing.T) {
		l := &recordingListener{}
		p.AddListener(l)
		p.AddListener(l)
		if len(p.Listeners()) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(p.Listeners()))
		}
		p.RemoveListener(l)
		if len(p.Listeners()) != 0 {
			t.Fatalf("\nwanted:\n0\ngot:\n%d", len(p.Listeners()))
		}
	})

	t.Run("concurrent registration and dispatch should be safe", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			l := &recordingListener{}
			go func() {
				defer wg.Done()
				p.AddListener(l)
				p.RemoveListener(l)
			}()
			go func() {
				defer wg.Done()
				req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
				_ = p.dispatch(redirect.Request, &requestMessage{req: req})
			}()
		}
		wg.Wait()
		if len(p.Listeners()) != 0 {
			t.Fatalf("\nwanted:\n0\ngot:\n%d", len(p.Listeners()))
		}
	})
}

func TestProxy_HostnameResolution(t *testing.T) {
	t.Run("operations without a repository should fail", func(t *testing.T) {
		p, err := New()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		defer p.Close()

		if _, err := p.LoadHostnameResolution(); !errors.Is(err, ErrRepoUndefined) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrRepoUndefined, err)
		}
		if err := p.SaveHostnameResolution([]byte("{}")); !errors.Is(err, ErrRepoUndefined) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrRepoUndefined, err)
		}
	})

	t.Run("saved document should be served to the dialer", func(t *testing.T) {
		repo, _ := setupTestRepo(t)
		p, err := New(WithRepo(repo))
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		defer p.Close()

		blob := []byte(`{"project_options":{"connections":{"hostname_resolution":[` +
			`{"enabled":false,"hostname":"off.local","ip_address":"10.0.0.1"},` +
			`{"enabled":true,"hostname":"on.local","ip_address":"10.0.0.2"}]}}}`)
		if err := p.SaveHostnameResolution(blob); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		got, err := p.LoadHostnameResolution()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if string(got) != string(blob) {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", blob, got)
		}
		if ip, ok := p.LookupOverride("on.local"); !ok || ip != "10.0.0.2" {
			t.Fatalf("\nwanted:\n10.0.0.2\ngot:\n%q %t", ip, ok)
		}
		if _, ok := p.LookupOverride("off.local"); ok {
			t.Fatalf("\nwanted:\ndisabled entry to be ignored\ngot:\noverride")
		}
	})

	t.Run("malformed document should be rejected before it is written", func(t *testing.T) {
		repo, _ := setupTestRepo(t)
		p, err := New(WithRepo(repo))
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		defer p.Close()

		before, err := p.LoadHostnameResolution()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		err = p.SaveHostnameResolution([]byte(`{"project_options":`))
		if !errors.Is(err, dnsoverride.ErrMalformedDocument) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", dnsoverride.ErrMalformedDocument, err)
		}
		after, err := p.LoadHostnameResolution()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if string(before) != string(after) {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", before, after)
		}
	})
}

func TestProxy_Notify(t *testing.T) {
	t.Run("notifications should be persisted when the proxy closes", func(t *testing.T) {
		repo, name := setupTestRepo(t)
		p, err := New(WithRepo(repo))
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		p.Notify(redirect.Notification{Source: "Redirector#0", Text: "Listener enabled"})
		p.Notify(redirect.Notification{Source: "Redirector", Text: "Invalid hostname and/or port settings.", Urgent: true})
		if err := p.Close(); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		logs, err := reopenTestRepo(t, name).GetLogs()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if len(logs) != 2 {
			t.Fatalf("\nwanted:\n2\ngot:\n%d", len(logs))
		}
		for _, log := range logs {
			switch log.Message {
			case "Listener enabled":
				if log.Level != "INFO" || log.Source != "Redirector#0" || log.Urgent {
					t.Fatalf("\nwanted:\nINFO Redirector#0 not urgent\ngot:\n%s %s %t", log.Level, log.Source, log.Urgent)
				}
			case "Invalid hostname and/or port settings.":
				if log.Level != "WARN" || !log.Urgent {
					t.Fatalf("\nwanted:\nWARN urgent\ngot:\n%s %t", log.Level, log.Urgent)
				}
			default:
				t.Fatalf("unexpected log %q", log.Message)
			}
		}
	})

	t.Run("writing after close should fail", func(t *testing.T) {
		repo, _ := setupTestRepo(t)
		p, err := New(WithRepo(repo))
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		p.Close()

		if err := p.WriteLog("INFO", "late"); !errors.Is(err, ErrProxyClosed) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrProxyClosed, err)
		}
		if err := p.Close(); !errors.Is(err, ErrProxyClosed) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrProxyClosed, err)
		}
	})

	t.Run("invalid levels should be rejected", func(t *testing.T) {
		p, err := New()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		defer p.Close()
		if err := p.WriteLog("LOUD", "message"); err == nil {
			t.Fatalf("\nwanted:\nerror\ngot:\nnil")
		}
	})
}

func TestProxy_Redirection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s", r.Host, r.URL.Path)
	}))
	defer upstream.Close()

	_, upstreamPort, err := net.SplitHostPort(upstream.Listener.Addr().String())
	if err != nil {
		t.Fatalf("splitting upstream address : %v", err)
	}

	repo, name := setupTestRepo(t)
	seen := &notifications{}
	p, err := New(
		WithRepo(repo),
		WithResolver(staticResolver{}),
		WithNotifyHandler(seen.add),
	)
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	l, err := p.GetListener("127.0.0.1", "0")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	go p.Serve(l)
	defer l.Close()

	proxyURL, err := url.Parse("http://" + l.Addr().String())
	if err != nil {
		t.Fatalf("parsing proxy url : %v", err)
	}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	get := func(t *testing.T, target string) string {
		t.Helper()
		resp, err := client.Get(target)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("reading response body: %v", err)
		}
		return string(body)
	}

	original := redirect.RawTarget{Host: "broken.local", Port: "80"}
	replacement := redirect.RawTarget{Host: "127.0.0.1", Port: upstreamPort}

	t.Run("activating a rule for an unresolvable host should install an override", func(t *testing.T) {
		id, err := p.Toggle(context.Background(), original, replacement, true)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if id != 0 {
			t.Fatalf("\nwanted:\n0\ngot:\n%d", id)
		}

		rule, ok := p.Registry.Rule()
		if !ok || !rule.Active() || !rule.DNSCorrected() {
			t.Fatalf("\nwanted:\nactive dns corrected rule\ngot:\n%v", rule)
		}
		if ip, ok := p.LookupOverride("broken.local"); !ok || ip != dnsoverride.LoopbackAddress {
			t.Fatalf("\nwanted:\n%s\ngot:\n%q %t", dnsoverride.LoopbackAddress, ip, ok)
		}
		if len(p.Listeners()) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(p.Listeners()))
		}
		want := fmt.Sprintf("Redirection Activated for:\nhttp://broken.local:80\nto:\nhttp://127.0.0.1:%s", upstreamPort)
		if !seen.has(want) {
			t.Fatalf("\nwanted:\n%q\ngot:\n%v", want, seen.items)
		}
	})

	t.Run("request to the original target should reach the replacement with a rewritten host", func(t *testing.T) {
		got := get(t, "http://broken.local/hello")
		if got != "127.0.0.1 /hello" {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", "127.0.0.1 /hello", got)
		}
		if !seen.has("> Host header changed from broken.local to 127.0.0.1") {
			t.Fatalf("\nwanted:\nhost header notification\ngot:\n%v", seen.items)
		}
	})

	t.Run("request to another target should not be redirected", func(t *testing.T) {
		got := get(t, upstream.URL+"/direct")
		want := "127.0.0.1:" + upstreamPort + " /direct"
		if got != want {
			t.Fatalf("\nwanted:\n%q\ngot:\n%q", want, got)
		}
		if !seen.has(fmt.Sprintf("> Target not changed to http://127.0.0.1:%s", upstreamPort)) {
			t.Fatalf("\nwanted:\nnot changed notification\ngot:\n%v", seen.items)
		}
	})

	t.Run("closing the proxy should roll back the override", func(t *testing.T) {
		client.CloseIdleConnections()
		if err := p.Close(); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if _, ok := p.Registry.Rule(); ok {
			t.Fatalf("\nwanted:\nno rule\ngot:\nrule")
		}

		reopened := reopenTestRepo(t, name)
		blob, err := reopened.GetHostnameResolution()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		doc, err := dnsoverride.ParseDocument(blob)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if len(doc.Entries()) != 0 {
			t.Fatalf("\nwanted:\nno entries\ngot:\n%v", doc.Entries())
		}

		logs, err := reopened.GetLogs()
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		activated, redirected := false, false
		for _, log := range logs {
			if strings.HasPrefix(log.Message, "Redirection Activated for:") && log.Urgent && log.Source == "Redirector#0" {
				activated = true
			}
			if log.Message == "request redirected" && log.RequestID != nil && log.Context["to"] == "http://127.0.0.1:"+upstreamPort {
				redirected = true
			}
		}
		if !activated || !redirected {
			t.Fatalf("\nwanted:\npersisted activation and redirect logs\ngot:\n%t %t", activated, redirected)
		}
	})
}

func TestProxy_ToggleInvalidInput(t *testing.T) {
	seen := &notifications{}
	p, err := New(WithResolver(staticResolver{}), WithNotifyHandler(seen.add))
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	defer p.Close()

	id, err := p.Toggle(context.Background(),
		redirect.RawTarget{Host: " ", Port: "80"},
		redirect.RawTarget{Host: "127.0.0.1", Port: "8080"},
		false,
	)
	if !errors.Is(err, redirect.ErrInvalidSpec) {
		t.Fatalf("\nwanted:\n%v\ngot:\n%v", redirect.ErrInvalidSpec, err)
	}
	if id != -1 {
		t.Fatalf("\nwanted:\n-1\ngot:\n%d", id)
	}
	if !seen.has("Invalid hostname and/or port settings.") {
		t.Fatalf("\nwanted:\ninvalid settings notification\ngot:\n%v", seen.items)
	}
}
