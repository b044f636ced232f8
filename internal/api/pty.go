package api

import (
	"net/http"
)

// handlePTYUpgrade upgrades to raw-PTY mode (spec §6 `GET /pty/{id}`).
func (s *Server) handlePTYUpgrade(w http.ResponseWriter, r *http.Request) {
	s.upgradeAndPump(w, r, false)
}

// handleLineUpgrade upgrades to legacy line/command mode (spec §6 `GET /ws/{id}`).
func (s *Server) handleLineUpgrade(w http.ResponseWriter, r *http.Request) {
	s.upgradeAndPump(w, r, true)
}

func (s *Server) upgradeAndPump(w http.ResponseWriter, r *http.Request, lineMode bool) {
	id := r.PathValue("id")

	egressHostPort := ""
	if s.facade != nil {
		if st, _ := s.facade.Status(); st == "running" {
			egressHostPort = s.facade.SocksEndpoint()
		}
	}

	sess, shutdown, err := s.manager.AcquireAttach(r.Context(), id, egressHostPort)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", id, "error", err)
		s.manager.ReleaseAttach(id, false)
		return
	}
	defer conn.Close()

	var pumpErr error
	if lineMode {
		pumpErr = s.engine.PumpLine(r.Context(), sess, shutdown, conn)
	} else {
		pumpErr = s.engine.Pump(r.Context(), sess, shutdown, conn)
	}
	if pumpErr != nil {
		s.logger.Debug("pump ended", "session_id", id, "error", pumpErr)
	}

	s.manager.ReleaseAttach(id, false)
}
