package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/voicelearn/backend/logger"
)

// AudioCache keeps finished conversation recordings on disk. A recording never
// changes once the provider marks the conversation done, so entries never expire.
type AudioCache struct {
	cacheDir string
	mutex    sync.RWMutex
	log      *logger.Logger
}

// NewAudioCache creates the cache directory if needed.
func NewAudioCache(cacheDir string, log *logger.Logger) *AudioCache {
	log = log.With("component", "audio_cache")
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		log.Error("Failed to create cache directory", "dir", cacheDir, "error", err)
	}
	return &AudioCache{cacheDir: cacheDir, log: log}
}

func (ac *AudioCache) path(conversationID string) string {
	hash := sha256.Sum256([]byte(conversationID))
	return filepath.Join(ac.cacheDir, hex.EncodeToString(hash[:])+".mp3")
}

// Get returns the cached recording for a conversation.
func (ac *AudioCache) Get(conversationID string) ([]byte, bool) {
	ac.mutex.RLock()
	defer ac.mutex.RUnlock()

	data, err := os.ReadFile(ac.path(conversationID))
	if err != nil {
		if !os.IsNotExist(err) {
			ac.log.Error("Failed to read cached audio", "conversation_id", conversationID, "error", err)
		}
		return nil, false
	}
	return data, true
}

// Set stores a recording, writing through a temp file so readers never see a partial file.
func (ac *AudioCache) Set(conversationID string, audio []byte) error {
	ac.mutex.Lock()
	defer ac.mutex.Unlock()

	target := ac.path(conversationID)
	tmp, err := os.CreateTemp(ac.cacheDir, "audio-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(audio); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write audio: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move audio into place: %w", err)
	}
	ac.log.Debug("Cached conversation audio", "conversation_id", conversationID, "size", len(audio))
	return nil
}

// GetOrFetch serves from cache or calls fetch. Only recordings reported as
// final are stored.
func (ac *AudioCache) GetOrFetch(ctx context.Context, conversationID string, fetch func(context.Context) (io.ReadCloser, bool, error)) ([]byte, error) {
	if data, ok := ac.Get(conversationID); ok {
		return data, nil
	}

	rc, final, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}
	if final {
		if err := ac.Set(conversationID, data); err != nil {
			ac.log.Warn("Failed to cache audio", "conversation_id", conversationID, "error", err)
		}
	}
	return data, nil
}

// Stats returns the number of cached recordings and their total size.
func (ac *AudioCache) Stats() (int, int64, error) {
	ac.mutex.RLock()
	defer ac.mutex.RUnlock()

	entries, err := os.ReadDir(ac.cacheDir)
	if err != nil {
		return 0, 0, err
	}

	var totalSize int64
	fileCount := 0
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".mp3" {
			fileCount++
			if info, err := entry.Info(); err == nil {
				totalSize += info.Size()
			}
		}
	}
	return fileCount, totalSize, nil
}
