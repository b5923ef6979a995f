package resolver

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startTestDNS serves a single A record for known.test. and NXDOMAIN for anything else
func startTestDNS(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening on udp : %v", err)
	}

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		res := new(dns.Msg)
		res.SetReply(req)
		question := req.Question[0]
		switch {
		case question.Name == "known.test." && question.Qtype == dns.TypeA:
			rr, _ := dns.NewRR("known.test. 60 IN A 10.0.0.5")
			res.Answer = append(res.Answer, rr)
		case question.Name == "known.test.":
			// NOERROR with no AAAA answers
		default:
			res.Rcode = dns.RcodeNameError
		}
		w.WriteMsg(res)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go server.ActivateAndServe()
	<-started

	t.Cleanup(func() { server.Shutdown() })
	return pc.LocalAddr().String()
}

func TestUpstream_LookupHost(t *testing.T) {
	server := startTestDNS(t)
	resolver := NewUpstream(server, 2*time.Second)

	t.Run("should resolve A records", func(t *testing.T) {
		got, err := resolver.LookupHost(context.Background(), "known.test")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		want := []string{"10.0.0.5"}
		if !reflect.DeepEqual(want, got) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", want, got)
		}
	})

	t.Run("should fail for unknown hosts", func(t *testing.T) {
		_, err := resolver.LookupHost(context.Background(), "broken.local")
		if err == nil {
			t.Fatalf("\nwanted:\nerror\ngot:\nnil")
		}
	})

	t.Run("should return IP literals without querying", func(t *testing.T) {
		offline := NewUpstream("127.0.0.1:1", time.Millisecond)
		got, err := offline.LookupHost(context.Background(), "10.0.0.5")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if !reflect.DeepEqual([]string{"10.0.0.5"}, got) {
			t.Fatalf("\nwanted:\n[10.0.0.5]\ngot:\n%v", got)
		}
	})
}

func TestSystem_LookupHost(t *testing.T) {
	t.Run("should return IP literals", func(t *testing.T) {
		got, err := NewSystem().LookupHost(context.Background(), "::1")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if !reflect.DeepEqual([]string{"::1"}, got) {
			t.Fatalf("\nwanted:\n[::1]\ngot:\n%v", got)
		}
	})

	t.Run("should fail for reserved invalid names", func(t *testing.T) {
		_, err := NewSystem().LookupHost(context.Background(), "redirector.invalid")
		if err == nil {
			t.Fatalf("\nwanted:\nerror\ngot:\nnil")
		}
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) {
			t.Fatalf("\nwanted:\n*net.DNSError\ngot:\n%T", errors.Unwrap(err))
		}
	})
}
