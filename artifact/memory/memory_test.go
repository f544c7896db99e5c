package memory_test

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/xraph/courier/artifact/memory"
)

func TestPutExistsSign(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	s := memory.New(memory.WithBaseURL("https://files.example.com/"), memory.WithClock(func() time.Time { return clock }))

	if _, ok, _ := s.Exists(ctx, "downloads/10000.zip"); ok {
		t.Fatal("empty store reports object")
	}
	if _, err := s.Sign(ctx, "downloads/10000.zip", time.Minute); err == nil {
		t.Fatal("signing a missing object succeeded")
	}

	obj, err := s.Put(ctx, "downloads/10000.zip", []byte("zipbytes"), "application/zip")
	if err != nil || obj.Size != 8 {
		t.Fatalf("Put = %+v, %v", obj, err)
	}
	obj, ok, err := s.Exists(ctx, "downloads/10000.zip")
	if err != nil || !ok || obj.Size != 8 {
		t.Fatalf("Exists = %+v %v %v", obj, ok, err)
	}

	signed, err := s.Sign(ctx, "downloads/10000.zip", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(signed, "https://files.example.com/downloads/10000.zip?") {
		t.Fatalf("signed url = %s", signed)
	}
	u, _ := url.Parse(signed)
	token := u.Query().Get("token")

	if data, ok := s.Resolve(token); !ok || string(data) != "zipbytes" {
		t.Fatalf("Resolve = %q %v", data, ok)
	}
	clock = now.Add(2 * time.Minute)
	if _, ok := s.Resolve(token); ok {
		t.Error("token resolved after expiry")
	}
}
