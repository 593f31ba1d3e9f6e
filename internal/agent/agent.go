package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vesaa/openflock/internal/config"
	"github.com/vesaa/openflock/internal/models"
)

const agentVersion = "v0.1.0"

// maxBufferedPoints bounds how many samples the agent keeps across failed
// sends and reconnects. Oldest samples are dropped beyond that.
const maxBufferedPoints = 240

// Run starts the agent main loop. It connects to the server data-plane over
// a websocket, sends a handshake, then reports heartbeats on a timer.
// Samples collected between sends are buffered and delivered together, so a
// brief disconnect loses nothing.
//
// cfg.AgentJoinAddr is the data-plane address, e.g. "192.168.1.1:1717".
// cfg.AgentOutboundToken is sent as "Authorization: Bearer <token>" on dial.
func Run(cfg *config.Config) error {
	collector := NewCollector()

	sourceID := cfg.AgentSourceID
	if sourceID == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("agent_source_id unset and hostname unavailable: %w", err)
		}
		sourceID = h
	}

	// Warmup: seed the bandwidth baseline before the first real report.
	_, _ = collector.Collect()

	fmt.Printf("[agent] %s reporting to %s every %s. Press Ctrl+C to stop.\n",
		sourceID, cfg.AgentJoinAddr, cfg.AgentInterval)

	var pending []models.MetricPoint
	var backoff time.Duration
	for {
		started := time.Now()
		err := runSession(cfg, collector, sourceID, &pending)
		backoff = retryDelay(backoff, time.Since(started))
		fmt.Printf("[agent] connection lost: %v (retrying in %s)\n", err, backoff)
		time.Sleep(backoff)
	}
}

// retryDelay doubles the reconnect delay up to 30s. A session that held
// for over a minute was a stable connection, so its loss starts the
// ladder over instead of paying the accumulated penalty.
func retryDelay(prev, sessionLen time.Duration) time.Duration {
	if prev == 0 || sessionLen > time.Minute {
		return time.Second
	}
	next := prev * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}

// runSession holds one websocket connection open until it fails. pending
// survives across sessions so buffered samples outlive a reconnect.
func runSession(cfg *config.Config, collector *Collector, sourceID string, pending *[]models.MetricPoint) error {
	u := url.URL{Scheme: "ws", Host: cfg.AgentJoinAddr, Path: "/ws/agent"}
	header := http.Header{"Authorization": {"Bearer " + cfg.AgentOutboundToken}}

	ws, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("server rejected token (401), check agent_outbound_token")
		}
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("server refused connection (429)")
		}
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer ws.Close()

	snap, err := collector.Collect()
	if err != nil {
		return fmt.Errorf("initial collect: %w", err)
	}

	hello := models.Handshake{
		SourceID: sourceID,
		Hostname: snap.Hostname,
		OS:       snap.OS,
		AgentVer: agentVersion,
	}
	if err := ws.WriteJSON(hello); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	fmt.Printf("[agent] connected as %s (%s)\n", sourceID, snap.Hostname)

	// Control messages (start_stream / stop_stream) arrive on a read pump
	// and adjust the reporting cadence.
	ctrl := make(chan string, 4)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var msg models.Control
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			select {
			case ctrl <- msg.Type:
			default:
			}
		}
	}()

	interval := cfg.AgentInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-readErr:
			return err

		case cmd := <-ctrl:
			switch cmd {
			case models.ControlStartStream:
				if interval != cfg.AgentStreamInterval {
					interval = cfg.AgentStreamInterval
					ticker.Reset(interval)
					fmt.Printf("[agent] live view attached, streaming every %s\n", interval)
				}
			case models.ControlStopStream:
				if interval != cfg.AgentInterval {
					interval = cfg.AgentInterval
					ticker.Reset(interval)
					fmt.Printf("[agent] live view detached, back to every %s\n", interval)
				}
			}

		case <-ticker.C:
			snap, err := collector.Collect()
			if err != nil {
				fmt.Printf("[agent] collect error: %v\n", err)
				continue
			}

			*pending = append(*pending, snap.Point())
			if len(*pending) > maxBufferedPoints {
				*pending = (*pending)[len(*pending)-maxBufferedPoints:]
			}

			hb := models.Heartbeat{
				SourceID:   sourceID,
				Hostname:   snap.Hostname,
				Status:     models.AgentStatusOnline,
				Points:     *pending,
				LoadAvg:    snap.Load1,
				Processes:  snap.Processes,
				PublicAddr: snap.LocalIP,
				UptimeS:    snap.UptimeS,
				SentAt:     time.Now().UTC(),
			}
			if err := ws.WriteJSON(hb); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
			*pending = (*pending)[:0]
		}
	}
}
