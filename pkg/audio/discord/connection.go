package discord

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/medilearn/livevoice/pkg/audio"
	"github.com/medilearn/livevoice/pkg/audio/timeline"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone   = (*microphone)(nil)
	_ audio.OutputDevice = (*speaker)(nil)
)

// speakerHandover is how long the captured participant may stay silent
// before another participant's audio is captured instead.
const speakerHandover = 2 * time.Second

var (
	// captureFormat is what the microphone delivers after mixing down.
	captureFormat = audio.Format{SampleRate: opusSampleRate, Channels: 1}
	// playbackFormat is what Discord expects on the wire.
	playbackFormat = audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}

	errMicBusy = errors.New("discord: microphone already open")
)

// Voice is a joined Discord voice channel. It demuxes incoming Opus by
// SSRC, captures a single participant, and encodes whatever the current
// speaker timeline renders into outgoing Opus frames.
//
// Voice is safe for concurrent use.
type Voice struct {
	vc      *discordgo.VoiceConnection
	guildID string

	mu        sync.Mutex
	capture   audio.CaptureFunc
	ssrc      uint32
	locked    bool
	lastHeard time.Time
	output    *timeline.Device

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func()
	// disconnectVC tears down the voice connection; overridden in tests.
	disconnectVC func() error
	closeSession func() error
}

func newVoice(vc *discordgo.VoiceConnection, guildID string) *Voice {
	return &Voice{
		vc:      vc,
		guildID: guildID,
		done:    make(chan struct{}),
	}
}

func (v *Voice) start() {
	go v.recvLoop()
	go v.sendLoop()
}

// Microphone returns the capture side of the channel. Only one capture
// stream may be open at a time.
func (v *Voice) Microphone() audio.Microphone { return &microphone{v: v} }

// Speaker opens a fresh output device on the channel, replacing (and
// closing) any previous one.
func (v *Voice) Speaker() audio.OutputDevice {
	sp := &speaker{Device: timeline.New(playbackFormat), v: v}
	v.mu.Lock()
	prev := v.output
	v.output = sp.Device
	v.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return sp
}

// Close leaves the voice channel and stops all background goroutines. It is
// safe to call more than once; subsequent calls return nil.
func (v *Voice) Close() error {
	var errs []error
	v.closeOnce.Do(func() {
		close(v.done)
		if v.removeHandler != nil {
			v.removeHandler()
		}
		v.mu.Lock()
		out := v.output
		v.output = nil
		v.capture = nil
		v.mu.Unlock()
		if out != nil {
			errs = append(errs, out.Close())
		}
		if v.disconnectVC != nil {
			errs = append(errs, v.disconnectVC())
		}
		if v.closeSession != nil {
			errs = append(errs, v.closeSession())
		}
	})
	return errors.Join(errs...)
}

// recvLoop reads Opus packets, decodes the captured participant's stream,
// mixes it down to mono and hands it to the open capture stream.
func (v *Voice) recvLoop() {
	// Each SSRC gets its own decoder to maintain state across frames.
	decoders := make(map[uint32]*opusDecoder)
	var scratch []float32

	for {
		select {
		case <-v.done:
			return
		case pkt, ok := <-v.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil || !v.accept(pkt.SSRC) {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				if dec, err = newOpusDecoder(); err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}
			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}
			scratch = audio.Int16ToFloat32(scratch, audio.Remix(pcm, opusChannels, 1))

			v.mu.Lock()
			if v.capture != nil {
				v.capture(scratch)
			}
			v.mu.Unlock()
		}
	}
}

// accept reports whether audio from ssrc should be captured, handing the
// floor to ssrc when the current participant has gone quiet.
func (v *Voice) accept(ssrc uint32) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now()
	if !v.locked || (v.ssrc != ssrc && now.Sub(v.lastHeard) > speakerHandover) {
		if v.locked {
			slog.Debug("discord: capture handed over", "from", v.ssrc, "to", ssrc)
		}
		v.ssrc, v.locked = ssrc, true
	}
	if v.ssrc != ssrc {
		return false
	}
	v.lastHeard = now
	return true
}

// sendLoop renders the current speaker timeline every 20 ms and sends the
// frame when anything is audible. Rendering continues while idle so that
// the timeline clock tracks wall time.
func (v *Voice) sendLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: failed to create opus encoder", "error", err)
		return
	}

	ticker := time.NewTicker(opusFrameSizeMs * time.Millisecond)
	defer ticker.Stop()

	speaking := false
	frame := make([]int16, opusFrameSize*opusChannels)
	for {
		select {
		case <-v.done:
			if speaking {
				v.setSpeaking(false)
			}
			return
		case <-ticker.C:
		}

		v.mu.Lock()
		out := v.output
		v.mu.Unlock()

		audible := out != nil && out.Render(frame) > 0 &&
			(out.Pending() > 0 || slices.ContainsFunc(frame, func(s int16) bool { return s != 0 }))
		if !audible {
			if speaking {
				v.setSpeaking(false)
				speaking = false
			}
			continue
		}
		if !speaking {
			v.setSpeaking(true)
			speaking = true
		}

		packet, err := enc.encode(frame)
		if err != nil {
			slog.Warn("discord: opus encode error", "error", err)
			continue
		}
		select {
		case v.vc.OpusSend <- packet:
		case <-v.done:
			return
		}
	}
}

// handleVoiceStateUpdate releases the captured participant when anyone
// leaves the channel, since SSRCs are not tied to user IDs here.
func (v *Voice) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != v.guildID {
		return
	}
	channelID := v.vc.ChannelID
	if vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID {
		v.mu.Lock()
		v.locked = false
		v.mu.Unlock()
		slog.Debug("discord: participant left, capture released", "user", vsu.UserID)
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (v *Voice) setSpeaking(b bool) {
	if err := v.vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}

// ─── device adapters ─────────────────────────────────────────────────────────

type microphone struct{ v *Voice }

type captureStream struct {
	v    *Voice
	once sync.Once
}

// Open implements [audio.Microphone]. The stream delivers 48 kHz mono.
func (m *microphone) Open(_ context.Context, _ audio.CaptureConfig, fn audio.CaptureFunc) (audio.CaptureStream, error) {
	v := m.v
	select {
	case <-v.done:
		return nil, audio.ErrDeviceClosed
	default:
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.capture != nil {
		return nil, errMicBusy
	}
	v.capture = fn
	return &captureStream{v: v}, nil
}

func (s *captureStream) Format() audio.Format { return captureFormat }

func (s *captureStream) Close() error {
	s.once.Do(func() {
		s.v.mu.Lock()
		s.v.capture = nil
		s.v.mu.Unlock()
	})
	return nil
}

type speaker struct {
	*timeline.Device
	v *Voice
}

// Close stops the speaker's voices and detaches it from the channel. The
// channel itself stays joined.
func (s *speaker) Close() error {
	s.v.mu.Lock()
	if s.v.output == s.Device {
		s.v.output = nil
	}
	s.v.mu.Unlock()
	return s.Device.Close()
}
