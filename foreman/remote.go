package foreman

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mezzanine-av/mezzanine/config"
	"github.com/mezzanine-av/mezzanine/errors"
	"github.com/mezzanine-av/mezzanine/task"
	"github.com/mezzanine-av/mezzanine/worker"
)

const (
	remotePollInterval   = 2 * time.Second
	remotePollFailureMax = 5
)

// remoteManager drives one claimed task through a linked peer
// installation: submit the source and scratch state, poll for status,
// fetch the artifact into the local cache path, then emit the task on
// the complete channel as if a local worker had finished it.
type remoteManager struct {
	installation config.LinkInstallationConfig
	t            *task.Task
	scratch      *task.ScratchStore
	complete     chan<- *task.Task
	client       *http.Client
	logger       *zap.SugaredLogger

	pollInterval time.Duration
	redundant    *worker.Flag
	done         chan struct{}
	remoteID     string
}

func newRemoteManager(inst config.LinkInstallationConfig, t *task.Task, scratch *task.ScratchStore, complete chan<- *task.Task, logger *zap.SugaredLogger) *remoteManager {
	return &remoteManager{
		installation: inst,
		t:            t,
		scratch:      scratch,
		complete:     complete,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		pollInterval: remotePollInterval,
		redundant:    worker.NewFlag(),
		done:         make(chan struct{}),
	}
}

// start submits the task to the peer installation. A failed submission
// is returned to the caller so the task can be requeued; on success the
// manager goroutine takes over until the task finishes.
func (m *remoteManager) start() error {
	settings, err := m.scratch.ExportTaskState(m.t.ID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]interface{}{
		"task_id":     m.t.ID,
		"source_file": m.t.Abspath,
		"settings":    json.RawMessage(settings),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal remote task submission")
	}

	req, err := http.NewRequest(http.MethodPost, m.installation.Address+"/api/v2/link/tasks", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build remote task submission")
	}
	req.Header.Set("Content-Type", "application/json")
	m.authorize(req)

	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to submit task to %s", m.installation.Address)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("remote installation %s rejected task: %s", m.installation.UUID, resp.Status)
	}

	var out struct {
		RemoteID string `json:"remote_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return errors.Wrap(err, "failed to decode remote task submission response")
	}
	m.remoteID = out.RemoteID
	if m.remoteID == "" {
		m.remoteID = fmt.Sprintf("%d", m.t.ID)
	}

	m.t.ProcessedByWorker = "link-" + m.installation.UUID
	go m.run()
	return nil
}

func (m *remoteManager) authorize(req *http.Request) {
	switch m.installation.Auth {
	case "basic":
		req.SetBasicAuth(m.installation.Username, m.installation.Password)
	default:
		req.Header.Set("Authorization", "Bearer "+m.installation.Token)
	}
}

func (m *remoteManager) run() {
	defer close(m.done)

	failures := 0
	for {
		select {
		case <-m.redundant.Chan():
			m.finish(false, "remote manager terminated")
			return
		case <-time.After(m.pollInterval):
		}

		status, message, err := m.pollStatus()
		if err != nil {
			failures++
			if failures >= remotePollFailureMax {
				m.finish(false, "lost contact with remote installation: "+err.Error())
				return
			}
			continue
		}
		failures = 0

		switch status {
		case "completed":
			if err := m.fetchArtifact(); err != nil {
				m.finish(false, "failed to retrieve artifact: "+err.Error())
				return
			}
			m.finish(true, "")
			return
		case "failed":
			m.finish(false, message)
			return
		}
	}
}

func (m *remoteManager) pollStatus() (status, message string, err error) {
	req, err := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/api/v2/link/tasks/%s/status", m.installation.Address, m.remoteID), nil)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to build status poll")
	}
	m.authorize(req)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to poll %s", m.installation.Address)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", errors.Newf("status poll returned %s", resp.Status)
	}

	var out struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", errors.Wrap(err, "failed to decode status poll response")
	}
	return out.Status, out.Message, nil
}

// fetchArtifact streams the transcoded artifact into the task's local
// cache path.
func (m *remoteManager) fetchArtifact() error {
	req, err := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/api/v2/link/tasks/%s/artifact", m.installation.Address, m.remoteID), nil)
	if err != nil {
		return errors.Wrap(err, "failed to build artifact fetch")
	}
	m.authorize(req)

	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to fetch artifact from %s", m.installation.Address)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("artifact fetch returned %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(m.t.CachePath), 0o755); err != nil {
		return errors.Wrap(err, "failed to create cache directory")
	}
	out, err := os.Create(m.t.CachePath)
	if err != nil {
		return errors.Wrap(err, "failed to create cache file")
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return errors.Wrap(err, "failed to write artifact")
	}
	return nil
}

func (m *remoteManager) finish(success bool, message string) {
	now := time.Now()
	m.t.Success = success
	m.t.FinishTime = &now
	if message != "" {
		m.t.AppendLog("remote: " + message + "\n")
	}
	m.complete <- m.t
}

// terminate tells the manager to stop; the in-flight task is emitted as
// failed so it reaches the post-processor's bookkeeping.
func (m *remoteManager) terminate() {
	m.redundant.Set()
}

func (m *remoteManager) alive() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}
