package reconciler

import (
	"net/http"
	"time"

	"github.com/ledgerfill/ledgerfill/pkg/utils"
)

// NewServer wraps the controller's router in an http.Server bound to ADDR.
func NewServer(ctler *Controller) *http.Server {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3000")

	return &http.Server{
		Addr:              addr,
		Handler:           ctler.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
