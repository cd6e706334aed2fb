package poe

import (
	"context"
)

// ResponseStream provides an iterator interface for a streamed bot response.
// It is designed to be used in a for loop pattern:
//
//	stream := poe.StreamRequest(ctx, request, "EchoBot", opts)
//	defer stream.Close()
//	for stream.Next() {
//	    partial := stream.Current()
//	    // process partial
//	}
//	if err := stream.Err(); err != nil {
//	    // handle error
//	}
//
// The stream is finite and cannot be restarted.
type ResponseStream struct {
	responseChan <-chan PartialResponse
	errorChan    <-chan error
	ctx          context.Context
	cancel       context.CancelFunc
	current      *PartialResponse
	err          error
	done         bool
}

func newResponseStream(ctx context.Context, cancel context.CancelFunc, responseChan <-chan PartialResponse, errorChan <-chan error) *ResponseStream {
	return &ResponseStream{
		responseChan: responseChan,
		errorChan:    errorChan,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Next advances to the next partial response.
// Returns true if one is available, false if the stream is done or an error occurred.
func (s *ResponseStream) Next() bool {
	if s.done {
		return false
	}

	for {
		// Responses already buffered take precedence over a racing
		// failure, so the caller sees everything the bot delivered, in
		// wire order, before Err reports the problem.
		if s.responseChan != nil {
			select {
			case resp, ok := <-s.responseChan:
				if !ok {
					s.responseChan = nil
					continue
				}
				s.current = &resp
				return true
			default:
			}
		}

		if s.responseChan == nil && s.errorChan == nil {
			s.done = true
			return false
		}

		select {
		case <-s.ctx.Done():
			if s.err == nil {
				s.err = s.ctx.Err()
			}
			s.done = true
			return false
		case err, ok := <-s.errorChan:
			// The producer sends every response before its error, so
			// once an error is receivable any remaining responses are
			// already buffered; loop around to deliver those first.
			s.errorChan = nil
			if ok && err != nil && s.err == nil {
				s.err = err
			}
			continue
		case resp, ok := <-s.responseChan:
			if !ok {
				// Keep selecting until the error channel settles, so a
				// failure racing the close is not dropped.
				s.responseChan = nil
				continue
			}
			s.current = &resp
			return true
		}
	}
}

// Current returns the current partial response.
// Must be called after Next returns true.
func (s *ResponseStream) Current() PartialResponse {
	if s.current == nil {
		return PartialResponse{}
	}
	return *s.current
}

// Err returns any error that occurred during streaming.
// Should be checked after Next returns false.
func (s *ResponseStream) Err() error {
	return s.err
}

// Done returns true if the stream has completed.
func (s *ResponseStream) Done() bool {
	return s.done
}

// Close releases the stream's resources and stops the producer. It is safe
// to call more than once and after the stream has completed.
func (s *ResponseStream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}
