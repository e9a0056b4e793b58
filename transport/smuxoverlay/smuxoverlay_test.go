package smuxoverlay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/overlay"
	"github.com/orclabs/orcd/wire"
)

type echoArgs struct{ Message string }
type echoReply struct{ Message string }

func decodeArgs(raw []byte, v interface{}) error {
	return wire.Unmarshal(raw, v)
}

func TestSendRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	server := New(ln.Addr().String(), nil)
	server.Register("ECHO", func(ctx context.Context, from contact.Contact, args []byte) (interface{}, error) {
		var a echoArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return echoReply{Message: "echo:" + a.Message}, nil
	})
	go server.Serve(ln)
	defer server.Close()

	client := New("127.0.0.1:0", nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply echoReply
	to := contact.Contact{Info: contact.Info{Address: ln.Addr().String()}}
	err = client.Send(ctx, to, "ECHO", echoArgs{Message: "hi"}, &reply)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Message != "echo:hi" {
		t.Fatalf("expected echo:hi, got %q", reply.Message)
	}
}

func TestSendUnknownVerb(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	server := New(ln.Addr().String(), nil)
	go server.Serve(ln)
	defer server.Close()

	client := New("127.0.0.1:0", nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	to := contact.Contact{Info: contact.Info{Address: ln.Addr().String()}}
	var reply struct{}
	if err := client.Send(ctx, to, "NOSUCHVERB", struct{}{}, &reply); err == nil {
		t.Fatal("expected error for unknown verb")
	}
}

func TestPublishSubscribeLocalFanout(t *testing.T) {
	o := New("127.0.0.1:9999", nil)
	received := make(chan []byte, 1)
	unsub := o.Subscribe("topic-a", func(from contact.Contact, payload []byte) {
		received <- payload
	})
	defer unsub()

	if err := o.Publish("topic-a", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("expected hello, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fan-out")
	}
}

var _ overlay.Overlay = (*Overlay)(nil)
