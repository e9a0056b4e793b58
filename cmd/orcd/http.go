package main

import (
	"net/http"

	"github.com/orclabs/orcd/httpapi"
)

// startHTTP serves the shard-transfer HTTP API on addr until it errors
// or the process is killed.
func startHTTP(addr string, server *httpapi.Server) error {
	return http.ListenAndServe(addr, server.Router())
}
