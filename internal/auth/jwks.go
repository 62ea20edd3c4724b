package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwksRefresh bounds how long a fetched key set is trusted before a
// re-fetch, avoiding a remote call on every token verification.
const jwksRefresh = 10 * time.Minute

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDoc struct {
	Keys []jwk `json:"keys"`
}

// jwksClient fetches a JWKS endpoint on demand and resolves RSA public keys
// by kid, trusting a fetched key set for jwksRefresh before re-fetching.
type jwksClient struct {
	url string

	mu       sync.Mutex
	fetched  time.Time
	byKid    map[string]*rsa.PublicKey
	httpDo   func(req *http.Request) (*http.Response, error)
}

func newJWKSKeyfunc(url string) (jwt.Keyfunc, error) {
	c := &jwksClient{url: url, byKid: make(map[string]*rsa.PublicKey)}
	c.httpDo = http.DefaultClient.Do
	return c.keyfunc, nil
}

func (c *jwksClient) keyfunc(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	key, err := c.resolve(kid)
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (c *jwksClient) resolve(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	stale := time.Since(c.fetched) > jwksRefresh
	key, ok := c.byKid[kid]
	c.mu.Unlock()
	if ok && !stale {
		return key, nil
	}
	if err := c.refresh(); err != nil {
		if ok {
			return key, nil // serve the stale key rather than fail a live verification
		}
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok = c.byKid[kid]
	if !ok {
		return nil, fmt.Errorf("auth: no JWKS key for kid %q", kid)
	}
	return key, nil
}

func (c *jwksClient) refresh() error {
	req, err := http.NewRequest(http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpDo(req)
	if err != nil {
		return fmt.Errorf("auth: jwks fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: jwks fetch: status %d", resp.StatusCode)
	}

	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("auth: jwks decode: %w", err)
	}

	byKid := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k)
		if err != nil {
			continue
		}
		byKid[k.Kid] = pub
	}

	c.mu.Lock()
	c.byKid = byKid
	c.fetched = time.Now()
	c.mu.Unlock()
	return nil
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
