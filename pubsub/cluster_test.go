package pubsub

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestClusterForwardsPublishBetweenWorkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fio-test.sock")
	log := zerolog.Nop()

	rootHub := New(nil, log)
	master, err := NewMaster(rootHub, path, log)
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	defer master.Close()
	go master.Serve()

	workerHub := New(nil, log)
	client := NewWorkerClient(workerHub, path, log)

	stop := make(chan struct{})
	defer close(stop)
	if err := client.Connect(50*time.Millisecond, stop); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	received := make(chan string, 1)
	workerHub.Subscribe(0, "x", false, func(m *Message) {
		received <- string(m.Payload)
	}, nil)

	// give the master a moment to observe the worker's subscribe frame:
	// the master forwards a publish only to workers that have a
	// matching subscription on record
	time.Sleep(20 * time.Millisecond)

	rootHub.Publish(&Message{Channel: []byte("x"), Payload: []byte("hi")}, Siblings)

	select {
	case payload := <-received:
		if payload != "hi" {
			t.Fatalf("payload = %q, want hi", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cross-process delivery")
	}
}

func TestClusterSocketPathHasSockSuffix(t *testing.T) {
	p := ClusterSocketPath(t.TempDir())
	if filepath.Ext(p) != ".sock" {
		t.Fatalf("ClusterSocketPath = %q, want .sock suffix", p)
	}
}
