package keyset

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func jwksJSON(t *testing.T, kids map[string]*rsa.PublicKey) []byte {
	t.Helper()
	type jwk struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	var doc struct {
		Keys []jwk `json:"keys"`
	}
	for kid, pub := range kids {
		doc.Keys = append(doc.Keys, jwk{
			Kid: kid,
			Kty: "RSA",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

func TestResolveKnownKid(t *testing.T) {
	key := genKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(jwksJSON(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey}))
	}))
	defer srv.Close()

	res, err := NewResolver(Options{URL: srv.URL})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	pub, err := res.Resolve(context.Background(), "k1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pub.N.Cmp(key.PublicKey.N) != 0 {
		t.Fatalf("wrong key returned")
	}
}

func TestResolveMissRefreshesOnce(t *testing.T) {
	key := genKey(t)
	var fetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		w.Write(jwksJSON(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey}))
	}))
	defer srv.Close()

	res, err := NewResolver(Options{URL: srv.URL})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	_, err = res.Resolve(context.Background(), "unknown")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("want ErrKeyNotFound, got %v", err)
	}
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Fatalf("want exactly 1 fetch, got %d", got)
	}
}

func TestResolveFetchErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res, err := NewResolver(Options{URL: srv.URL})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	_, err = res.Resolve(context.Background(), "k1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsFetchError(err) {
		t.Fatalf("want fetch error, got %v", err)
	}
	if errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("fetch failure must not look like a missing key: %v", err)
	}
}

func TestRefreshReplacesCacheWholesale(t *testing.T) {
	oldKey := genKey(t)
	newKey := genKey(t)
	var rotated atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rotated.Load() {
			w.Write(jwksJSON(t, map[string]*rsa.PublicKey{"new": &newKey.PublicKey}))
			return
		}
		w.Write(jwksJSON(t, map[string]*rsa.PublicKey{"old": &oldKey.PublicKey}))
	}))
	defer srv.Close()

	res, err := NewResolver(Options{URL: srv.URL})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, err := res.Resolve(context.Background(), "old"); err != nil {
		t.Fatalf("resolve old: %v", err)
	}

	rotated.Store(true)
	if _, err := res.Resolve(context.Background(), "new"); err != nil {
		t.Fatalf("resolve new after rotation: %v", err)
	}
	// The rotated-out key must no longer be served from cache.
	if _, err := res.Resolve(context.Background(), "old"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("want ErrKeyNotFound for rotated-out kid, got %v", err)
	}
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	key := genKey(t)
	var fetches int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		<-release
		w.Write(jwksJSON(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey}))
	}))
	defer srv.Close()

	res, err := NewResolver(Options{URL: srv.URL})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := res.Resolve(context.Background(), "k1"); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	// Give the goroutines time to pile onto the in-flight fetch.
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&fetches); got > 2 {
		t.Fatalf("expected coalesced fetches, got %d", got)
	}
}

func TestSkipsNonRSAKeys(t *testing.T) {
	key := genKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]interface{}{
			"keys": []map[string]string{
				{"kid": "ec1", "kty": "EC", "n": "", "e": ""},
				{
					"kid": "k1",
					"kty": "RSA",
					"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
				},
			},
		}
		json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	res, err := NewResolver(Options{URL: srv.URL})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, err := res.Resolve(context.Background(), "k1"); err != nil {
		t.Fatalf("resolve rsa key: %v", err)
	}
	if _, err := res.Resolve(context.Background(), "ec1"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("non-RSA kid should be absent, got %v", err)
	}
}
