// Package httpapi implements ShardServer: the HTTP endpoints for shard
// upload/download, the identify handshake, and the overlay RPC ingress
// path, routed with httprouter exactly as the teacher's node/api does
// (SPEC_FULL.md §6.4).
package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"golang.org/x/crypto/ripemd160"

	"github.com/julienschmidt/httprouter"
	"gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/ratelimit"

	"github.com/orclabs/orcd/contact"
	"github.com/orclabs/orcd/store"
	"github.com/orclabs/orcd/token"
)

// Error is the JSON body written on non-2xx responses, matching the
// teacher's siaapi.Error shape.
type Error struct {
	Message string `json:"message"`
}

// WriteError writes err as a JSON body with the given status code.
func WriteError(w http.ResponseWriter, err Error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(err)
}

// WriteJSON writes v as a 200 JSON body.
func WriteJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ContractLookup is the minimal slice of ContractStore the shard server
// needs: confirming a companion contract exists for an uploaded hash
// and reading its declared size.
type ContractLookup interface {
	DataSizeFor(hash string) (uint64, bool, error)
}

// Server is the ShardServer: HTTP endpoints for shard transfer, gated
// by a TokenTable and a contract lookup.
type Server struct {
	Tokens    *token.Table
	Shards    store.ShardStore
	Contracts ContractLookup
	Identity  contact.Contact
	Log       *log.Logger

	// RateLimit bounds upload/download throughput; nil means unlimited.
	RateLimit *ratelimit.RateLimit
	stopChan  <-chan struct{}

	// RPCHandler serves POST /rpc/, delegating to the node's overlay
	// dispatcher. Left nil in tests that don't exercise RPC ingress.
	RPCHandler http.HandlerFunc

	// OnShardUploaded/OnShardDownloaded are invoked after a transfer
	// completes successfully, mirroring spec.md §4.4's
	// shardUploaded/shardDownloaded events.
	OnShardUploaded   func(hash string)
	OnShardDownloaded func(hash string)
}

// NewServer constructs a Server. stopChan is used to unblock
// rate-limited streams on shutdown.
func NewServer(tokens *token.Table, shards store.ShardStore, contracts ContractLookup, id contact.Contact, log *log.Logger, rl *ratelimit.RateLimit, stopChan <-chan struct{}) *Server {
	return &Server{
		Tokens:    tokens,
		Shards:    shards,
		Contracts: contracts,
		Identity:  id,
		Log:       log,
		RateLimit: rl,
		stopChan:  stopChan,
	}
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.Log != nil {
		s.Log.Printf(format, args...)
	}
}

// Router builds the httprouter.Router serving this node's HTTP
// surface: identify handshake, RPC ingress, and shard transfer,
// wrapped in permissive CORS middleware (SPEC_FULL.md §6.4).
func (s *Server) Router() http.Handler {
	r := httprouter.New()
	r.GET("/", s.identifyHandler)
	r.POST("/rpc/", s.rpcHandler)
	r.POST("/shards/:hash", s.uploadHandler)
	r.GET("/shards/:hash", s.downloadHandler)
	r.NotFound = http.HandlerFunc(s.notFoundHandler)
	return withCORS(r)
}

// withCORS wraps h with permissive CORS headers and short-circuits
// preflight OPTIONS requests with 200, per spec.md §6.2.
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, req)
	})
}

// notFoundHandler returns 405 for any method on /shards/* that isn't
// GET or POST (handled above), and a plain 404 otherwise.
func (s *Server) notFoundHandler(w http.ResponseWriter, req *http.Request) {
	if len(req.URL.Path) >= len("/shards/") && req.URL.Path[:len("/shards/")] == "/shards/" {
		WriteError(w, Error{"method not allowed on shard transfer endpoint"}, http.StatusMethodNotAllowed)
		return
	}
	WriteError(w, Error{"not found"}, http.StatusNotFound)
}

// identifyHandler serves the unauthenticated GET / handshake: [identity_hex, contact].
func (s *Server) identifyHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	WriteJSON(w, []interface{}{s.Identity.Identity, s.Identity})
}

// rpcHandler delegates to RPCHandler, or 404s if this node has none
// registered yet (e.g. during a partial bring-up).
func (s *Server) rpcHandler(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if s.RPCHandler == nil {
		WriteError(w, Error{"rpc ingress not available"}, http.StatusNotFound)
		return
	}
	s.RPCHandler(w, req)
}

// wrapReader applies the server's rate limit to a shard read stream on
// the download path, if one is configured.
func (s *Server) wrapReader(rc io.ReadCloser) io.ReadCloser {
	if s.RateLimit == nil {
		return rc
	}
	return ratelimit.NewRLReadCloser(rc, s.RateLimit, s.stopChan)
}

// wrapWriter applies the server's rate limit to a shard write stream on
// the upload path, if one is configured.
func (s *Server) wrapWriter(wc io.WriteCloser) io.WriteCloser {
	if s.RateLimit == nil {
		return wc
	}
	return ratelimit.NewRLWriteCloser(wc, s.RateLimit, s.stopChan)
}

// uploadHandler implements POST /shards/:hash?token=... (spec.md §4.4).
func (s *Server) uploadHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	hash := ps.ByName("hash")
	tok := req.URL.Query().Get("token")

	if _, err := s.Tokens.Authorize(tok, hash); err != nil {
		WriteError(w, Error{"token is not authorized for this shard"}, http.StatusUnauthorized)
		return
	}

	declaredSize, ok, err := s.Contracts.DataSizeFor(hash)
	if err != nil || !ok {
		WriteError(w, Error{"no contract exists for this shard"}, http.StatusNotFound)
		return
	}

	ws, err := s.Shards.CreateWriteStream(hash)
	if err != nil {
		WriteError(w, Error{"failed to open shard for writing"}, http.StatusInternalServerError)
		return
	}
	ws = s.wrapWriter(ws)

	hasher := sha256.New()
	var written uint64
	body := req.Body
	buf := make([]byte, 64*1024)
	var overflow bool
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			written += uint64(n)
			if written > declaredSize {
				overflow = true
				break
			}
			hasher.Write(buf[:n])
			if _, werr := ws.Write(buf[:n]); werr != nil {
				ws.Close()
				_ = s.Shards.Unlink(hash)
				WriteError(w, Error{"failed to write shard"}, http.StatusInternalServerError)
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			ws.Close()
			_ = s.Shards.Unlink(hash)
			WriteError(w, Error{"failed to read upload body"}, http.StatusBadRequest)
			return
		}
	}

	if overflow {
		ws.Close()
		_ = s.Shards.Unlink(hash)
		WriteError(w, Error{"upload exceeds contract data_size"}, http.StatusBadRequest)
		return
	}

	sum := hasher.Sum(nil)
	rh := ripemd160.New()
	rh.Write(sum)
	computed := hex.EncodeToString(rh.Sum(nil))
	if computed != hash {
		ws.Close()
		_ = s.Shards.Unlink(hash)
		WriteError(w, Error{"Hash does not match contract"}, http.StatusBadRequest)
		return
	}

	if err := ws.Close(); err != nil {
		WriteError(w, Error{"failed to finalize shard"}, http.StatusInternalServerError)
		return
	}

	s.Tokens.Reject(tok)
	if s.OnShardUploaded != nil {
		s.OnShardUploaded(hash)
	}
	w.WriteHeader(http.StatusOK)
}

// downloadHandler implements GET /shards/:hash?token=... (spec.md §4.4).
func (s *Server) downloadHandler(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	hash := ps.ByName("hash")
	tok := req.URL.Query().Get("token")

	if _, err := s.Tokens.Authorize(tok, hash); err != nil {
		WriteError(w, Error{"token is not authorized for this shard"}, http.StatusUnauthorized)
		return
	}

	rs, err := s.Shards.CreateReadStream(hash)
	if err != nil {
		WriteError(w, Error{"shard not found"}, http.StatusNotFound)
		return
	}
	rs2 := s.wrapReader(rs)
	defer rs2.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rs2); err != nil {
		s.logf("ERROR: shard download for %s terminated early: %v", hash, err)
		return
	}
	s.Tokens.Reject(tok)
	if s.OnShardDownloaded != nil {
		s.OnShardDownloaded(hash)
	}
}
