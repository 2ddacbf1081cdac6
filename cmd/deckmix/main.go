package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"

	"github.com/quaverhq/deckmix/internal/analysis"
	"github.com/quaverhq/deckmix/internal/audio"
	"github.com/quaverhq/deckmix/internal/cache"
	"github.com/quaverhq/deckmix/internal/config"
	"github.com/quaverhq/deckmix/internal/decode"
	"github.com/quaverhq/deckmix/internal/library"
	"github.com/quaverhq/deckmix/internal/mixer"
	"github.com/quaverhq/deckmix/internal/player"
	"github.com/quaverhq/deckmix/internal/stream"
)

// trackQueue is the pending-track list the auto-preload trigger draws from.
type trackQueue struct {
	mu    sync.Mutex
	items []string
}

func (q *trackQueue) Push(path string) {
	q.mu.Lock()
	q.items = append(q.items, path)
	q.mu.Unlock()
}

func (q *trackQueue) Pop() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return ""
	}
	path := q.items[0]
	q.items = q.items[1:]
	return path
}

func (q *trackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func main() {
	configPath := flag.String("config", "deckmix.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Println("deckmix starting up...")

	store, err := cache.Open(cfg.CachePath)
	if err != nil {
		log.Fatalf("analysis cache: %v", err)
	}
	defer store.Close()

	queue := &trackQueue{}
	if len(cfg.MusicDirs) > 0 {
		tracks, err := library.Scan(cfg.MusicDirs...)
		if err != nil {
			log.Fatalf("library scan: %v", err)
		}
		log.Printf("library: %d tracks in %v", len(tracks), cfg.MusicDirs)
		for _, t := range tracks {
			queue.Push(t)
		}

		watcher, err := library.NewWatcher(cfg.MusicDirs...)
		if err != nil {
			log.Printf("library watcher unavailable: %v", err)
		} else {
			defer watcher.Close()
			go func() {
				for ev := range watcher.Events() {
					if ev.Kind == library.TrackAdded {
						log.Printf("library: new track %s", ev.Path)
						queue.Push(ev.Path)
					}
				}
			}()
		}
	}

	// Mixer + player
	m := mixer.New(nil)
	m.SetCrossfadeConfig(mixer.CrossfadeConfig{
		DurationSecs: float32(cfg.CrossfadeSecs),
		Curve:        audio.ParseCurve(cfg.CrossfadeCurve),
	})
	m.SetPreloadThreshold(float32(cfg.PreloadThreshold))
	m.SetSyncEnabled(cfg.BPMSync)

	p := player.New(m)
	p.SetPreloadFunc(queue.Pop)
	p.SetOnLoaded(func(path string) {
		go func() {
			if res := analyzeTrack(store, path); res != nil {
				m.SetCurrentBPM(res.BPM, res.BeatPositions)
				log.Printf("analysis: %s -> %.1f BPM, %d beats", path, res.BPM, len(res.BeatPositions))
			}
		}()
	})
	p.SetOnPreloaded(func(path string) {
		go func() {
			if res := analyzeTrack(store, path); res != nil {
				m.SetNextBPM(res.BPM, res.BeatPositions)
				log.Printf("analysis: %s -> %.1f BPM (next deck)", path, res.BPM)
			}
		}()
	})
	p.SetVolume(cfg.Volume)

	go p.Run(ctx)

	// Output device: the speaker pulls mixed samples from the player.
	if err := speaker.Init(beep.SampleRate(audio.SampleRate), audio.SampleRate/10); err != nil {
		log.Fatalf("audio device: %v", err)
	}
	speaker.Play(p)

	// Broadcast: mirror the mix to network listeners.
	var (
		broadcaster   *stream.Broadcaster
		webrtcHandler *stream.WebRTCHandler
	)
	if cfg.Broadcast {
		broadcaster = stream.NewBroadcaster()
		feeder, err := stream.NewFeeder(audio.SampleRate)
		if err != nil {
			log.Fatalf("broadcast: %v", err)
		}
		go feeder.Run(ctx, p.Frames())
		go broadcaster.Run(ctx, feeder.Frames())
		webrtcHandler = stream.NewWebRTCHandler(broadcaster)
	}

	// Start playback from the queue.
	if first := queue.Pop(); first != "" {
		if err := p.Play(first); err != nil {
			log.Printf("autoplay %s: %v", first, err)
		}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		httpListeners, webrtcPeers := 0, 0
		if broadcaster != nil {
			httpListeners = broadcaster.ListenerCount()
		}
		if webrtcHandler != nil {
			webrtcPeers = webrtcHandler.PeerCount()
		}
		cfcfg := m.CrossfadeConfig()
		json.NewEncoder(w).Encode(map[string]any{
			"state":              p.State().String(),
			"playing":            p.IsPlaying(),
			"current_path":       p.CurrentPath(),
			"next_path":          p.NextPath(),
			"position":           p.Position(),
			"duration":           p.Duration(),
			"volume":             p.Volume(),
			"bpm":                m.CurrentBPM(),
			"bpm_sync":           p.SyncEnabled(),
			"speed_ratio":        p.SpeedRatio(),
			"crossfade_progress": m.Buffer().Progress(),
			"queue_size":         queue.Len(),
			"http_listeners":     httpListeners,
			"webrtc_listeners":   webrtcPeers,
			"config": map[string]any{
				"crossfade": cfcfg.DurationSecs,
				"curve":     cfcfg.Curve.String(),
			},
		})
	})

	mux.HandleFunc("/api/play", postHandler(func(req struct {
		Path string `json:"path"`
	}) error {
		if req.Path == "" {
			return fmt.Errorf("path required")
		}
		return p.Play(req.Path)
	}))

	mux.HandleFunc("/api/queue", postHandler(func(req struct {
		Path string `json:"path"`
	}) error {
		if req.Path == "" {
			return fmt.Errorf("path required")
		}
		if !decode.SupportedExt(req.Path) {
			return fmt.Errorf("unsupported format")
		}
		queue.Push(req.Path)
		return nil
	}))

	mux.HandleFunc("/api/pause", actionHandler(p.Pause))
	mux.HandleFunc("/api/resume", actionHandler(p.Resume))
	mux.HandleFunc("/api/stop", actionHandler(p.Stop))

	mux.HandleFunc("/api/skip", postHandler(func(struct{}) error {
		next := queue.Pop()
		if next == "" {
			p.Stop()
			return nil
		}
		return p.Play(next)
	}))

	mux.HandleFunc("/api/seek", postHandler(func(req struct {
		Seconds float64 `json:"seconds"`
	}) error {
		p.Seek(req.Seconds)
		return nil
	}))

	mux.HandleFunc("/api/volume", postHandler(func(req struct {
		Volume float64 `json:"volume"`
	}) error {
		if req.Volume < 0 || req.Volume > 1 {
			return fmt.Errorf("volume must be 0-1")
		}
		p.SetVolume(req.Volume)
		return nil
	}))

	mux.HandleFunc("/api/config", postHandler(func(req struct {
		Crossfade *float64 `json:"crossfade"`
		Curve     *string  `json:"curve"`
	}) error {
		next := m.CrossfadeConfig()
		if req.Crossfade != nil {
			if *req.Crossfade < 1 || *req.Crossfade > 30 {
				return fmt.Errorf("crossfade must be 1-30")
			}
			next.DurationSecs = float32(*req.Crossfade)
		}
		if req.Curve != nil {
			next.Curve = audio.ParseCurve(*req.Curve)
		}
		p.SetCrossfadeConfig(next)
		return nil
	}))

	mux.HandleFunc("/api/sync", postHandler(func(req struct {
		Enabled bool `json:"enabled"`
	}) error {
		p.SetSyncEnabled(req.Enabled)
		return nil
	}))

	if broadcaster != nil {
		mux.Handle("/stream", stream.NewHTTPHandler(broadcaster))
		mux.Handle("/offer", webrtcHandler)
	}

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		speaker.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("deckmix live on %s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}

// analyzeTrack runs (or fetches) beat analysis for a file. Returns nil when
// the file cannot be analyzed; playback continues without sync data.
func analyzeTrack(store *cache.Store, path string) *analysis.Result {
	res, err := store.GetOrCompute(path, func() (*analysis.Result, error) {
		dec, err := decode.Open(path)
		if err != nil {
			return nil, err
		}
		defer dec.Close()

		detector := analysis.NewBeatDetector(audio.SampleRate)
		var mono []float32
		for {
			frame, err := dec.NextFrame()
			if err == io.EOF {
				break
			}
			if err != nil {
				log.Printf("analysis: %s: %v (frame skipped)", path, err)
				continue
			}
			mono = append(mono, audio.MixdownMono(frame.Samples, audio.Channels)...)
		}
		return detector.Analyze(mono), nil
	})
	if err != nil {
		log.Printf("analysis failed for %s: %v", path, err)
		return nil
	}
	return res
}

// postHandler decodes a JSON body into req and reports {ok:true} or the error.
func postHandler[T any](fn func(req T) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request", http.StatusBadRequest)
				return
			}
		}
		if err := fn(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

// actionHandler wraps a no-argument player command.
func actionHandler(fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		fn()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}
