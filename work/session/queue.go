package session

import "sync"

// Signal is a message to the playback controller.
type Signal int

const (
	SignalDownloadComplete Signal = iota
	SignalPlayerAudioUnderrun
	SignalStartingPlayback
	SignalStoppingPlayback
)

func (s Signal) String() string {
	switch s {
	case SignalDownloadComplete:
		return "DOWNLOAD_COMPLETE"
	case SignalPlayerAudioUnderrun:
		return "PLAYER_AUDIO_UNDERRUN"
	case SignalStartingPlayback:
		return "STARTING_PLAYBACK"
	case SignalStoppingPlayback:
		return "STOPPING_PLAYBACK"
	}
	return "UNKNOWN"
}

// Direction qualifies a DownloadComplete during trick play.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

type message struct {
	signal    Signal
	direction Direction
}

// msgQueue is a mutex protected FIFO. Consumers poll it; producers wake
// the consumer separately.
type msgQueue struct {
	mu    sync.Mutex
	items []message
}

func (q *msgQueue) push(sig Signal, dir Direction) {
	q.mu.Lock()
	q.items = append(q.items, message{signal: sig, direction: dir})
	q.mu.Unlock()
}

func (q *msgQueue) pop() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return message{}, false
	}
	m := q.items[0]
	q.items[0] = message{}
	q.items = q.items[1:]
	return m, true
}

func (q *msgQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *msgQueue) flush() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
