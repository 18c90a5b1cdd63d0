/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package player orchestrates playback: it turns a queue position into a
// playing track by creating a request, resolving a URL, verifying it, and
// handing the result to the audio sink. Failure handling is bounded so a
// broken queue stops instead of skip-looping forever.
package player

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skaldlabs/tonearm/internal/config"
	"github.com/skaldlabs/tonearm/internal/events"
	"github.com/skaldlabs/tonearm/internal/failcache"
	"github.com/skaldlabs/tonearm/internal/models"
	"github.com/skaldlabs/tonearm/internal/preload"
	"github.com/skaldlabs/tonearm/internal/request"
	"github.com/skaldlabs/tonearm/internal/resolve"
	"github.com/skaldlabs/tonearm/internal/sourceconf"
)

const (
	// maxTrackRetries bounds re-attempts of a single song before skipping.
	maxTrackRetries = 3
	// maxConsecutiveFails stops playback entirely once reached.
	maxConsecutiveFails = 5
	// defaultStartTimeout is how long a hand-off may go unconfirmed before
	// the URL is dropped and resolved again.
	defaultStartTimeout = 4 * time.Second
)

var (
	// ErrEmptyQueue means there is nothing to play.
	ErrEmptyQueue = errors.New("playback queue is empty")
	// ErrPlaybackStopped means the consecutive-failure ceiling was hit.
	ErrPlaybackStopped = errors.New("playback stopped after repeated failures")
)

// Resolver produces a playable resolution for a song.
type Resolver interface {
	Resolve(ctx context.Context, reqID string, song *models.Song, quality models.Quality) (*models.Resolution, error)
}

// Verifier checks a resolution and may substitute a better one.
type Verifier interface {
	Verify(ctx context.Context, reqID string, song *models.Song, res *models.Resolution) (*models.Resolution, error)
}

// Sink receives the final resolution for actual audio output. Play returns
// once the hand-off is accepted; the sink confirms real playback by
// publishing a playback.started event.
type Sink interface {
	Play(song *models.Song, res *models.Resolution) error
}

// Deps wires the player's collaborators.
type Deps struct {
	Requests *request.Manager
	Resolver Resolver
	Verifier Verifier
	Preload  *preload.Cache
	Prefs    *sourceconf.Store
	Cache    *failcache.Cache
	Settings *config.Settings
	Bus      *events.Bus
	Sink     Sink

	StartTimeout time.Duration
}

// Player owns the queue and the playback state machine.
type Player struct {
	deps Deps
	log  zerolog.Logger

	mu               sync.Mutex
	queue            []*models.Song
	index            int
	current          *models.Song
	playIntent       bool
	generation       uint64
	started          bool
	consecutiveFails int
	retries          map[int64]int

	startedSub events.Subscriber
	endedSub   events.Subscriber
	errorSub   events.Subscriber
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// New creates a player and starts listening for sink events.
func New(deps Deps, log zerolog.Logger) *Player {
	if deps.StartTimeout <= 0 {
		deps.StartTimeout = defaultStartTimeout
	}
	p := &Player{
		deps:       deps,
		log:        log.With().Str("component", "player").Logger(),
		playIntent: true,
		retries:    make(map[int64]int),
	}
	if deps.Bus != nil {
		p.startedSub = deps.Bus.Subscribe(events.EventPlaybackStarted)
		p.endedSub = deps.Bus.Subscribe(events.EventPlaybackEnded)
		p.errorSub = deps.Bus.Subscribe(events.EventPlaybackError)
		p.wg.Add(1)
		go p.listen()
	}
	return p
}

// Close stops the event listener.
func (p *Player) Close() {
	p.closeOnce.Do(func() {
		if p.deps.Bus != nil {
			p.deps.Bus.Unsubscribe(events.EventPlaybackStarted, p.startedSub)
			p.deps.Bus.Unsubscribe(events.EventPlaybackEnded, p.endedSub)
			p.deps.Bus.Unsubscribe(events.EventPlaybackError, p.errorSub)
		}
	})
	p.wg.Wait()
}

// SetQueue replaces the queue and positions the cursor.
func (p *Player) SetQueue(songs []*models.Song, startIndex int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append([]*models.Song(nil), songs...)
	if startIndex < 0 || startIndex >= len(p.queue) {
		startIndex = 0
	}
	p.index = startIndex
	p.consecutiveFails = 0
	p.retries = make(map[int64]int)
}

// Queue returns the current queue and cursor.
func (p *Player) Queue() ([]*models.Song, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.Song(nil), p.queue...), p.index
}

// Current returns the song last handed to the sink, nil when none.
func (p *Player) Current() *models.Song {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Play starts playback of the song at the current queue position. An
// explicit play resets the failure bookkeeping.
func (p *Player) Play(ctx context.Context) error {
	p.mu.Lock()
	p.playIntent = true
	p.consecutiveFails = 0
	p.retries = make(map[int64]int)
	p.mu.Unlock()
	return p.step(ctx, 0)
}

// PlaySong plays a specific song outside the queue.
func (p *Player) PlaySong(ctx context.Context, song *models.Song) error {
	p.mu.Lock()
	p.playIntent = true
	p.consecutiveFails = 0
	delete(p.retries, song.ID)
	p.mu.Unlock()
	return p.playOnce(ctx, song, false)
}

// Next advances to the next queue entry.
func (p *Player) Next(ctx context.Context) error {
	return p.step(ctx, 1)
}

// Prev steps back to the previous queue entry.
func (p *Player) Prev(ctx context.Context) error {
	return p.step(ctx, -1)
}

// Stop clears play intent and cancels the live request.
func (p *Player) Stop() {
	p.mu.Lock()
	p.playIntent = false
	p.generation++
	p.mu.Unlock()
	p.deps.Requests.CancelAll("stopped")
}

// step walks the queue until a song plays, a cancellation arrives, or the
// failure ceiling stops playback. A failing song is retried in place before
// the cursor moves on; cancelled attempts never count against it.
func (p *Player) step(ctx context.Context, delta int) error {
	for {
		song, err := p.advance(delta)
		if err != nil {
			return err
		}

		err = p.playOnce(ctx, song, false)
		if err == nil {
			p.mu.Lock()
			p.consecutiveFails = 0
			delete(p.retries, song.ID)
			p.mu.Unlock()
			return nil
		}
		if errors.Is(err, resolve.ErrCancelled) {
			return err
		}

		p.mu.Lock()
		p.retries[song.ID]++
		retries := p.retries[song.ID]
		p.consecutiveFails++
		stopped := p.consecutiveFails >= maxConsecutiveFails
		if stopped {
			p.playIntent = false
		}
		p.mu.Unlock()

		if stopped {
			p.log.Error().Int64("song_id", song.ID).Msg("too many consecutive playback failures, stopping")
			p.notify("playback stopped after repeated failures")
			return ErrPlaybackStopped
		}
		p.log.Warn().Err(err).Int64("song_id", song.ID).Int("attempt", retries).Msg("playback attempt failed")
		if retries < maxTrackRetries {
			delta = 0
		} else {
			delta = 1
		}
	}
}

func (p *Player) advance(delta int) (*models.Song, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, ErrEmptyQueue
	}
	p.index = ((p.index+delta)%len(p.queue) + len(p.queue)) % len(p.queue)
	return p.queue[p.index], nil
}

// playOnce runs the full hand-off for one song: request, resolve, verify,
// sink. Staleness is enforced by the request validator inside each stage
// and re-checked here before the sink sees anything.
func (p *Player) playOnce(ctx context.Context, song *models.Song, reattempt bool) error {
	p.mu.Lock()
	if p.current == nil || p.current.ID != song.ID {
		p.deps.Prefs.ClearSession(song.ID)
	}
	p.current = song
	p.generation++
	gen := p.generation
	p.started = false
	p.mu.Unlock()

	req := p.deps.Requests.Create(ctx, song.ID)
	if !p.deps.Requests.Activate(req.ID) {
		return resolve.ErrCancelled
	}

	quality := models.QualityFromLevel(p.deps.Settings.MusicQuality)

	var res *models.Resolution
	if entry, ok := p.deps.Preload.Consume(song.ID); ok {
		p.log.Debug().Int64("song_id", song.ID).Msg("using preloaded resolution")
		res = entry.Resolution
	} else {
		resolved, err := p.deps.Resolver.Resolve(req.Context(), req.ID, song, quality)
		if err != nil {
			if !errors.Is(err, resolve.ErrCancelled) {
				p.deps.Requests.Fail(req.ID, err.Error())
			}
			return err
		}
		res = resolved
	}

	if p.deps.Verifier != nil {
		verified, err := p.deps.Verifier.Verify(req.Context(), req.ID, song, res)
		if err != nil {
			return err
		}
		res = verified
	}

	if !p.deps.Requests.Valid(req.ID) {
		return resolve.ErrCancelled
	}

	if err := p.deps.Sink.Play(song, res); err != nil {
		p.deps.Requests.Fail(req.ID, err.Error())
		return err
	}
	p.deps.Requests.Complete(req.ID)

	if p.deps.Bus != nil {
		p.deps.Bus.Publish(events.EventNowPlaying, events.Payload{
			"song_id": song.ID,
			"name":    song.Name,
			"source":  string(res.Source),
			"quality": string(res.Quality),
			"url":     res.URL,
		})
	}

	if !reattempt {
		p.scheduleStartCheck(gen, song, quality)
	}
	p.prefetch(quality)
	return nil
}

// scheduleStartCheck drops the URL and resolves once more when the sink
// never confirms playback. Stale resolved URLs tend to 403 at fetch time.
func (p *Player) scheduleStartCheck(gen uint64, song *models.Song, quality models.Quality) {
	time.AfterFunc(p.deps.StartTimeout, func() {
		p.mu.Lock()
		stalled := p.generation == gen && !p.started && p.playIntent
		p.mu.Unlock()
		if !stalled {
			return
		}
		p.log.Warn().Int64("song_id", song.ID).Msg("playback never started, re-resolving")
		if p.deps.Cache != nil {
			p.deps.Cache.InvalidateURL(context.Background(), song.ID, quality)
		}
		p.deps.Preload.Cancel(song.ID)
		if err := p.playOnce(context.Background(), song, true); err != nil {
			p.log.Warn().Err(err).Int64("song_id", song.ID).Msg("re-resolve after stall failed")
		}
	})
}

// prefetch warms the next queue entries in the background.
func (p *Player) prefetch(quality models.Quality) {
	count := p.deps.Settings.PreloadCount
	if count <= 0 {
		return
	}

	p.mu.Lock()
	var upcoming []*models.Song
	if n := len(p.queue); n > 1 {
		for off := 1; off <= count && off < n; off++ {
			upcoming = append(upcoming, p.queue[(p.index+off)%n])
		}
	}
	p.mu.Unlock()

	for _, song := range upcoming {
		song := song
		go func() {
			if _, err := p.deps.Preload.Preload(context.Background(), song, quality); err != nil {
				p.log.Debug().Err(err).Int64("song_id", song.ID).Msg("prefetch failed")
			}
		}()
	}
}

func (p *Player) notify(message string) {
	if p.deps.Bus == nil {
		return
	}
	p.deps.Bus.Publish(events.EventNotification, events.Payload{"message": message})
}

// listen reacts to sink events: started confirms the current hand-off,
// ended advances the queue, errors re-enter the retry loop.
func (p *Player) listen() {
	defer p.wg.Done()
	startedSub, endedSub, errorSub := p.startedSub, p.endedSub, p.errorSub
	for startedSub != nil || endedSub != nil || errorSub != nil {
		select {
		case payload, ok := <-startedSub:
			if !ok {
				startedSub = nil
				continue
			}
			p.mu.Lock()
			// A late confirmation from the previous hand-off must not
			// suppress the stall check for the current one.
			id, hasID := payload["song_id"].(int64)
			if !hasID || (p.current != nil && p.current.ID == id) {
				p.started = true
			}
			p.mu.Unlock()
		case _, ok := <-endedSub:
			if !ok {
				endedSub = nil
				continue
			}
			p.mu.Lock()
			intent := p.playIntent
			p.mu.Unlock()
			if intent {
				if err := p.Next(context.Background()); err != nil && !errors.Is(err, resolve.ErrCancelled) {
					p.log.Warn().Err(err).Msg("auto-advance failed")
				}
			}
		case payload, ok := <-errorSub:
			if !ok {
				errorSub = nil
				continue
			}
			p.mu.Lock()
			intent := p.playIntent
			p.mu.Unlock()
			if !intent {
				continue
			}
			p.log.Warn().Interface("payload", map[string]any(payload)).Msg("sink reported playback error")
			if err := p.step(context.Background(), 0); err != nil && !errors.Is(err, resolve.ErrCancelled) {
				p.log.Warn().Err(err).Msg("recovery after sink error failed")
			}
		}
	}
}
