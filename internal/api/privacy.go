package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/noxterm/noxterm/internal/egress"
)

// echoIPURL is the HTTP endpoint probed through the SOCKS facade to
// observe the anonymized exit address (spec §6 `GET /api/privacy/test`).
const echoIPURL = "https://api.ipify.org?format=json"

var errNoContextDialer = errors.New("socks dialer does not support context cancellation")

type privacyStatusResponse struct {
	Status        string `json:"status"`
	SocksEndpoint string `json:"socks_endpoint,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (s *Server) handlePrivacyEnable(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		writeAPIError(w, egress.ErrChildSpawnFailed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 35*time.Second)
	defer cancel()
	if err := s.facade.Start(ctx); err != nil {
		writeAPIError(w, err)
		return
	}
	st, _ := s.facade.Status()
	writeJSON(w, http.StatusOK, privacyStatusResponse{Status: string(st), SocksEndpoint: s.facade.SocksEndpoint()})
}

func (s *Server) handlePrivacyDisable(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.facade.Stop(); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrivacyStatus(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		writeJSON(w, http.StatusOK, privacyStatusResponse{Status: "disabled"})
		return
	}
	st, lastErr := s.facade.Status()
	writeJSON(w, http.StatusOK, privacyStatusResponse{Status: string(st), Error: lastErr})
}

type privacyTestResponse struct {
	Anonymized bool   `json:"anonymized"`
	ExitIP     string `json:"exit_ip,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handlePrivacyTest makes one HTTP GET through the SOCKS endpoint to an
// echo-IP service. Anonymized is true when that request succeeds and
// exit_ip carries the address the service observed; the exit address is
// not compared with the host's direct (non-proxied) address.
func (s *Server) handlePrivacyTest(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		writeJSON(w, http.StatusOK, privacyTestResponse{Anonymized: false, Error: "privacy facade disabled"})
		return
	}
	st, _ := s.facade.Status()
	if st != "running" {
		writeJSON(w, http.StatusOK, privacyTestResponse{Anonymized: false, Error: "facade not running"})
		return
	}

	exitIP, err := fetchExitIPViaSOCKS(r.Context(), s.facade.SocksEndpoint())
	if err != nil {
		writeJSON(w, http.StatusOK, privacyTestResponse{Anonymized: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, privacyTestResponse{Anonymized: true, ExitIP: exitIP})
}

func fetchExitIPViaSOCKS(ctx context.Context, socksEndpoint string) (string, error) {
	host := strings.TrimPrefix(socksEndpoint, "host.docker.internal:")
	dialer, err := proxy.SOCKS5("tcp", "127.0.0.1:"+host, nil, proxy.Direct)
	if err != nil {
		return "", err
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return "", errNoContextDialer
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return contextDialer.DialContext(ctx, network, addr)
			},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, echoIPURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.IP, nil
}
