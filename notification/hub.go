package notification

import (
	"strconv"
	"sync"
)

var mu sync.Mutex
var publishers map[string]chan Progress
var subscribers map[string]chan Progress

func init() {
	publishers = make(map[string]chan Progress)
	subscribers = make(map[string]chan Progress)
}

// GetPublisher returns the channel a download batch publishes progress to
// for one user. End the batch with ClosePublisher; a later batch then gets
// a fresh channel.
func GetPublisher(userID int) chan<- Progress {
	key := strconv.Itoa(userID)
	mu.Lock()
	defer mu.Unlock()
	if publishers[key] == nil {
		ch := make(chan Progress)
		publishers[key] = ch
		go processNotifications(key, ch)
	}
	return publishers[key]
}

// ClosePublisher ends a user's batch. The map entry is removed before the
// channel is closed so a batch started right after never receives the
// closed channel.
func ClosePublisher(userID int) {
	key := strconv.Itoa(userID)
	mu.Lock()
	ch := publishers[key]
	delete(publishers, key)
	mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// GetSubscriber returns the channel progress events for one user arrive on.
// The channel is buffered; a reader that falls behind loses intermediate
// events, never the publisher's progress.
func GetSubscriber(userID int) <-chan Progress {
	key := strconv.Itoa(userID)
	mu.Lock()
	defer mu.Unlock()
	if subscribers[key] == nil {
		subscribers[key] = make(chan Progress, 16)
	}
	return subscribers[key]
}

func processNotifications(key string, publisher chan Progress) {
	for progress := range publisher {
		mu.Lock()
		subscriber := subscribers[key]
		mu.Unlock()
		pushToSubscriber(subscriber, progress)
	}
	mu.Lock()
	// A newer batch may already own this key; its goroutine then owns the
	// subscriber too.
	if publishers[key] == nil && subscribers[key] != nil {
		close(subscribers[key])
		delete(subscribers, key)
	}
	mu.Unlock()
}

// pushToSubscriber never blocks: a stalled or vanished reader must not
// stall the download workers behind the publisher.
func pushToSubscriber(subscriber chan<- Progress, progress Progress) {
	if subscriber == nil {
		return
	}
	select {
	case subscriber <- progress:
	default:
	}
}

// Progress describes the state of one running download batch.
type Progress struct {
	UserID       int    `json:"user_id"`
	Processed    int    `json:"processed"`
	Total        int    `json:"total"`
	Downloaded   int    `json:"downloaded"`
	Failed       int    `json:"failed"`
	CurrentFile  string `json:"current_file,omitempty"`
	ElapsedInSec int    `json:"elapsed_in_sec"`
	Done         bool   `json:"done"`
}
