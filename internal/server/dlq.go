package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// dlqEntry captures an execution that was rolled back without an outcome so
// an operator can inspect and resubmit it.
type dlqEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
	Account   common.Address  `json:"account"`
	Relayer   common.Address  `json:"relayer"`
	Mode      string          `json:"mode"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error"`
}

func (s *Server) writeDLQ(entry dlqEntry) {
	if s.cfg.Service.DLQPath == "" {
		return
	}
	entry.Timestamp = s.now().UTC()
	if !json.Valid(entry.Payload) {
		entry.Payload = nil
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		s.logger.Error("dlq marshal error", zap.Error(err))
		return
	}

	if err := os.MkdirAll(s.cfg.Service.DLQPath, 0o755); err != nil {
		s.logger.Error("dlq mkdir error", zap.Error(err))
		return
	}

	filename := fmt.Sprintf("%d-%s.json", entry.Timestamp.UnixNano(), entry.Account.Hex())
	path := filepath.Join(s.cfg.Service.DLQPath, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.logger.Error("dlq write error", zap.String("path", path), zap.Error(err))
	}

	s.updateDLQDepth()
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	if s.metrics != nil {
		s.metrics.setDLQDepth(depth)
	}
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.Service.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.DLQPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("dlq read error", zap.Error(err))
		}
		return 0
	}
	return len(entries)
}
