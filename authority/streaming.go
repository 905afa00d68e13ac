package authority

import (
	"sync"
)

// streamingManager fans new headers out to the open streaming tunnels.
type streamingManager struct {
	sync.Mutex
	listeners []chan *StreamHeadersResponse
}

func (s *streamingManager) notify(header *Header) {
	s.Lock()
	defer s.Unlock()

	for _, c := range s.listeners {
		c <- &StreamHeadersResponse{
			Header: header,
		}
	}
}

func (s *streamingManager) newListener() chan *StreamHeadersResponse {
	s.Lock()
	defer s.Unlock()

	outChan := make(chan *StreamHeadersResponse)
	s.listeners = append(s.listeners, outChan)
	return outChan
}

func (s *streamingManager) stopListener(outChan chan *StreamHeadersResponse) {
	s.Lock()
	defer s.Unlock()

	for i, listener := range s.listeners {
		if listener == outChan {
			close(listener)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *streamingManager) stopAll() {
	s.Lock()
	defer s.Unlock()

	for _, c := range s.listeners {
		// Force the streaming connection in Onet to close.
		close(c)
	}
	s.listeners = nil
}
