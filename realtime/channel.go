package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ChannelState is the attach lifecycle state of a channel.
type ChannelState string

// Channel states.
const (
	ChannelStateInitialized ChannelState = "initialized"
	ChannelStateAttaching   ChannelState = "attaching"
	ChannelStateAttached    ChannelState = "attached"
	ChannelStateDetaching   ChannelState = "detaching"
	ChannelStateDetached    ChannelState = "detached"
	ChannelStateSuspended   ChannelState = "suspended"
	ChannelStateFailed      ChannelState = "failed"
)

// ChannelEvent names the events on a channel's public emitter: one per state
// plus ChannelEventUpdate.
type ChannelEvent string

// Channel events.
const (
	ChannelEventInitialized ChannelEvent = "initialized"
	ChannelEventAttaching   ChannelEvent = "attaching"
	ChannelEventAttached    ChannelEvent = "attached"
	ChannelEventDetaching   ChannelEvent = "detaching"
	ChannelEventDetached    ChannelEvent = "detached"
	ChannelEventSuspended   ChannelEvent = "suspended"
	ChannelEventFailed      ChannelEvent = "failed"
	ChannelEventUpdate      ChannelEvent = "update"
)

// ChannelStateChange records one channel transition, or an update while attached.
type ChannelStateChange struct {
	Previous ChannelState
	Current  ChannelState
	Resumed  bool
	Reason   *ErrorInfo
}

// EventFilter selects the messages a subscription receives: all of them, or
// those with one event name.
type EventFilter struct {
	name string
	all  bool
}

// AllEvents matches every message.
var AllEvents = EventFilter{all: true}

// Event matches messages named name.
func Event(name string) EventFilter {
	return EventFilter{name: name}
}

// Name returns the event name; empty for AllEvents.
func (filter EventFilter) Name() string { return filter.name }

// All reports whether the filter matches every message.
func (filter EventFilter) All() bool { return filter.all }

func (filter EventFilter) String() string {
	if filter.all {
		return "*"
	}
	return filter.name
}

// Channel is one logical channel multiplexed over the connection. Its embedded
// emitter publishes ChannelStateChange values keyed by ChannelEvent.
type Channel struct {
	*EventEmitter[ChannelEvent, ChannelStateChange]

	name       string
	client     *Realtime
	connection *Connection
	logger     *zap.Logger
	metrics    *clientMetrics
	decoder    MessageDecoder

	// internal carries the same transitions as the public emitter; user calls
	// to OffAll on the public emitter cannot disturb attach and detach waits.
	internal *EventEmitter[ChannelEvent, ChannelStateChange]
	messages *EventEmitter[string, *Message]

	sendLock       sync.Mutex
	lock           sync.Mutex
	state          ChannelState
	reason         *ErrorInfo
	attachResume   bool
	channelSerial  string
	stateTimer     *time.Timer
	timerSequence  uint64
	sentGeneration uint64
}

func newChannel(client *Realtime, name string) *Channel {
	logger := client.logger.With(zap.String("channel", name))
	channel := &Channel{
		EventEmitter: NewEventEmitter[ChannelEvent, ChannelStateChange](logger),
		name:         name,
		client:       client,
		connection:   client.connection,
		logger:       logger,
		metrics:      client.metrics,
		decoder:      client.options.Decoder,
		internal:     NewEventEmitter[ChannelEvent, ChannelStateChange](logger),
		messages:     NewEventEmitter[string, *Message](logger),
		state:        ChannelStateInitialized,
	}
	channel.EventEmitter.onPanic = client.metrics.listenerPanicked
	channel.internal.onPanic = client.metrics.listenerPanicked
	channel.messages.onPanic = client.metrics.listenerPanicked
	return channel
}

// Name returns the channel name.
func (channel *Channel) Name() string { return channel.name }

// State returns the current channel state.
func (channel *Channel) State() ChannelState {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return channel.state
}

// Reason returns the error carried by the last transition, if any.
func (channel *Channel) Reason() *ErrorInfo {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return channel.reason
}

// ChannelSerial returns the last channel serial seen from the service.
func (channel *Channel) ChannelSerial() string {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return channel.channelSerial
}

// AttachResume reports whether the next ATTACH requests resumption.
func (channel *Channel) AttachResume() bool {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return channel.attachResume
}

// Attach attaches the channel and waits for the outcome. Calls made while an
// attach is already in flight share its outcome.
func (channel *Channel) Attach(ctx context.Context) error {
	channel.logger.Info("attach requested")

	channel.lock.Lock()
	if channel.state == ChannelStateAttached {
		channel.lock.Unlock()
		return nil
	}

	connectionState := channel.connection.State()
	switch connectionState {
	case ConnectionStateConnecting, ConnectionStateConnected, ConnectionStateDisconnected:
	default:
		state := channel.state
		channel.lock.Unlock()
		return newErrorInfo(InvalidStateError,
			fmt.Sprintf("unable to attach; channel state = %s, connection state = %s", state, connectionState),
			400, CodeChannelInvalidState)
	}

	var frame *ProtocolMessage
	if channel.state != ChannelStateAttaching {
		frame = channel.requestStateLocked(ChannelStateAttaching)
	}
	waiter := channel.internal.OnceAny()
	channel.unlockAndSend(frame)

	change, err := waiter.Wait(ctx)
	if err != nil {
		return err
	}

	switch change.Current {
	case ChannelStateSuspended, ChannelStateFailed:
		return failureReason(change, "attach failed")
	case ChannelStateDetached:
		if change.Reason != nil {
			return change.Reason
		}
	}
	return nil
}

func (channel *Channel) attachMessageLocked() *ProtocolMessage {
	message := &ProtocolMessage{Action: ActionAttach, Channel: channel.name}
	if channel.attachResume {
		message.Flags = message.Flags.With(FlagAttachResume)
	}
	if channel.channelSerial != "" {
		message.ChannelSerial = channel.channelSerial
	}
	return message
}

// Detach detaches the channel and waits for the outcome.
func (channel *Channel) Detach(ctx context.Context) error {
	channel.logger.Info("detach requested")

	channel.lock.Lock()
	connectionState, pendingConnect := channel.connection.stateAndPending()
	if connectionState == ConnectionStateClosing || connectionState == ConnectionStateFailed {
		state := channel.state
		channel.lock.Unlock()
		return newErrorInfo(InvalidStateError,
			fmt.Sprintf("unable to detach; channel state = %s, connection state = %s", state, connectionState),
			400, CodeChannelInvalidState)
	}

	switch channel.state {
	case ChannelStateInitialized, ChannelStateDetached:
		channel.lock.Unlock()
		return nil

	case ChannelStateSuspended:
		channel.notifyStateLocked(ChannelStateDetached, nil, false)
		channel.lock.Unlock()
		return nil

	case ChannelStateFailed:
		channel.lock.Unlock()
		return newErrorInfo(InvalidStateError, "unable to detach; channel state = failed", 400, CodeChannelInvalidState)
	}

	var frame *ProtocolMessage
	if channel.state != ChannelStateDetaching {
		frame = channel.requestStateLocked(ChannelStateDetaching)
	}
	waiter := channel.internal.OnceAny()
	channel.unlockAndSend(frame)

	if pendingConnect != nil {
		if err := pendingConnect.wait(ctx); err != nil {
			waiter.Cancel()
			return err
		}
	}

	change, err := waiter.Wait(ctx)
	if err != nil {
		return err
	}

	switch change.Current {
	case ChannelStateDetached:
		return nil
	case ChannelStateAttaching:
		return newErrorInfo(ChannelOperationError,
			"detach request superseded by a subsequent attach request", 409, CodeChannelOperation)
	default:
		return failureReason(change, "detach failed")
	}
}

func (channel *Channel) detachMessageLocked() *ProtocolMessage {
	return &ProtocolMessage{Action: ActionDetach, Channel: channel.name}
}

func failureReason(change ChannelStateChange, message string) *ErrorInfo {
	if change.Reason != nil {
		return change.Reason
	}
	return newErrorInfo(ChannelOperationError,
		fmt.Sprintf("%s; channel state = %s", message, change.Current), 400, CodeChannelOperation)
}

// Subscribe registers listener for the messages selected by filter, then
// attaches the channel. A nil error means the channel is attached.
func (channel *Channel) Subscribe(ctx context.Context, filter EventFilter, listener *Listener[*Message]) error {
	if !listener.valid() {
		return NewError(InvalidArgumentError, "subscribe listener must be a non-nil function")
	}

	channel.logger.Info("subscribe", zap.Stringer("event", filter))
	if filter.all {
		channel.messages.OnAny(listener)
	} else {
		channel.messages.On(filter.name, listener)
	}

	return channel.Attach(ctx)
}

// Unsubscribe removes message listeners. A nil listener with AllEvents removes
// every listener; a listener with AllEvents removes it from every event.
func (channel *Channel) Unsubscribe(filter EventFilter, listener *Listener[*Message]) error {
	channel.logger.Info("unsubscribe", zap.Stringer("event", filter))

	switch {
	case listener == nil && filter.all:
		channel.messages.OffAll()
	case listener == nil:
		return NewError(InvalidArgumentError, "unsubscribe from an event requires a listener")
	case filter.all:
		channel.messages.OffListener(listener)
	default:
		channel.messages.Off(filter.name, listener)
	}
	return nil
}

// onProtocolMessage applies an inbound channel scoped frame.
func (channel *Channel) onProtocolMessage(message *ProtocolMessage) {
	channel.lock.Lock()
	defer channel.lock.Unlock()

	if message.ChannelSerial != "" {
		channel.channelSerial = message.ChannelSerial
	}

	switch message.Action {
	case ActionAttached:
		var reason *ErrorInfo
		if message.Error != nil {
			reason = protocolError(ChannelOperationError, message.Error)
		}
		resumed := message.HasFlag(FlagResumed)

		switch channel.state {
		case ChannelStateAttached:
			if !resumed {
				channel.EventEmitter.Emit(ChannelEventUpdate, ChannelStateChange{
					Previous: ChannelStateAttached,
					Current:  ChannelStateAttached,
					Resumed:  resumed,
					Reason:   reason,
				})
			}
		case ChannelStateAttaching:
			channel.notifyStateLocked(ChannelStateAttached, reason, resumed)
		default:
			channel.inconsistency("unsolicited_attached", "ATTACHED received while not attaching")
		}

	case ActionDetached:
		if channel.state == ChannelStateDetaching {
			channel.notifyStateLocked(ChannelStateDetached, nil, false)
		} else {
			channel.inconsistency("unsolicited_detached", "DETACHED received while not detaching")
		}

	case ActionMessage:
		messages, err := channel.decoder.DecodeMessages(message)
		if err != nil {
			channel.logger.Warn("discarding undecodable messages", zap.Error(err))
			return
		}
		for _, decoded := range messages {
			channel.messages.Emit(decoded.Name, decoded)
		}
		channel.metrics.messagesDispatched.Add(float64(len(messages)))

	case ActionError:
		channel.notifyStateLocked(ChannelStateFailed, protocolError(ChannelOperationError, message.Error), false)

	default:
		channel.logger.Debug("ignoring channel frame", zap.Stringer("action", message.Action))
	}
}

func (channel *Channel) inconsistency(kind string, text string) {
	channel.logger.Warn(text, zap.String("state", string(channel.state)))
	channel.metrics.inconsistencies.WithLabelValues(kind).Inc()
}

// onConnectionStateChange flushes queued transitions once connected and
// settles live channels when the connection closes or fails.
func (channel *Channel) onConnectionStateChange(change ConnectionStateChange) {
	var frame *ProtocolMessage

	channel.lock.Lock()
	switch change.Current {
	case ConnectionStateConnected:
		frame = channel.checkPendingStateLocked()

	case ConnectionStateFailed:
		if channel.liveLocked() {
			reason := change.Reason
			if reason == nil {
				reason = NewError(ConnectionError, "connection failed")
			}
			channel.notifyStateLocked(ChannelStateFailed, reason, false)
		}

	case ConnectionStateClosed:
		if channel.liveLocked() {
			channel.notifyStateLocked(ChannelStateDetached, NewError(ConnectionClosedError, "connection closed"), false)
		}
	}
	channel.unlockAndSend(frame)
}

func (channel *Channel) liveLocked() bool {
	switch channel.state {
	case ChannelStateAttaching, ChannelStateAttached, ChannelStateDetaching:
		return true
	}
	return false
}

func (channel *Channel) requestStateLocked(state ChannelState) *ProtocolMessage {
	channel.logger.Debug("state requested", zap.String("state", string(state)))
	channel.notifyStateLocked(state, nil, false)
	return channel.checkPendingStateLocked()
}

// notifyStateLocked is the single transition point. Every transition emits one
// ChannelStateChange on both the public and the internal emitter.
func (channel *Channel) notifyStateLocked(state ChannelState, reason *ErrorInfo, resumed bool) {
	channel.clearStateTimerLocked()
	channel.sentGeneration = 0

	if state == channel.state {
		return
	}

	if state == ChannelStateAttached {
		channel.attachResume = true
	}
	if state == ChannelStateDetaching || state == ChannelStateFailed {
		channel.attachResume = false
	}
	if state == ChannelStateDetached || state == ChannelStateSuspended || state == ChannelStateFailed {
		channel.channelSerial = ""
	}

	change := ChannelStateChange{Previous: channel.state, Current: state, Resumed: resumed, Reason: reason}
	channel.state = state
	channel.reason = reason

	channel.metrics.channelTransition(change.Previous, state)
	channel.logger.Debug("channel state changed",
		zap.String("previous", string(change.Previous)),
		zap.String("current", string(state)),
		zap.Bool("resumed", resumed))

	channel.EventEmitter.Emit(ChannelEvent(state), change)
	channel.internal.Emit(ChannelEvent(state), change)
}

// checkPendingStateLocked returns the frame a pending transition still needs,
// arming the state timer with it. Nothing is sent until the connection is up,
// and at most once per connected transport.
func (channel *Channel) checkPendingStateLocked() *ProtocolMessage {
	connectionState, generation := channel.connection.stateAndGeneration()
	if connectionState != ConnectionStateConnected {
		channel.logger.Debug("deferring pending state", zap.String("connection", string(connectionState)))
		return nil
	}
	if channel.sentGeneration == generation {
		return nil
	}

	switch channel.state {
	case ChannelStateAttaching:
		channel.startStateTimerLocked()
		channel.sentGeneration = generation
		return channel.attachMessageLocked()
	case ChannelStateDetaching:
		channel.startStateTimerLocked()
		channel.sentGeneration = generation
		return channel.detachMessageLocked()
	}
	return nil
}

func (channel *Channel) startStateTimerLocked() {
	if channel.stateTimer != nil {
		return
	}
	channel.timerSequence++
	sequence := channel.timerSequence
	channel.stateTimer = time.AfterFunc(channel.client.options.RealtimeRequestTimeout, func() {
		channel.onStateTimeout(sequence)
	})
}

func (channel *Channel) clearStateTimerLocked() {
	if channel.stateTimer == nil {
		return
	}
	channel.stateTimer.Stop()
	channel.stateTimer = nil
}

func (channel *Channel) onStateTimeout(sequence uint64) {
	channel.lock.Lock()
	if channel.stateTimer == nil || channel.timerSequence != sequence {
		channel.lock.Unlock()
		return
	}
	channel.logger.Info("pending state timer expired", zap.String("state", string(channel.state)))
	channel.stateTimer = nil

	var frame *ProtocolMessage
	switch channel.state {
	case ChannelStateAttaching:
		channel.notifyStateLocked(ChannelStateSuspended,
			newErrorInfo(TimedOutError, "channel attach timed out", 408, CodeChannelOperationTimed), false)
	case ChannelStateDetaching:
		channel.notifyStateLocked(ChannelStateAttached,
			newErrorInfo(TimedOutError, "channel detach timed out", 408, CodeChannelOperationTimed), false)
	default:
		frame = channel.checkPendingStateLocked()
	}
	channel.unlockAndSend(frame)
}

// unlockAndSend releases the channel lock and writes message. The send lock is
// taken before the channel lock is released so frames leave in the order the
// state machine produced them.
func (channel *Channel) unlockAndSend(message *ProtocolMessage) {
	if message == nil {
		channel.lock.Unlock()
		return
	}
	channel.sendLock.Lock()
	channel.lock.Unlock()
	defer channel.sendLock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), channel.client.options.RealtimeRequestTimeout)
	defer cancel()

	if err := channel.connection.Send(ctx, message); err != nil {
		channel.logger.Warn("failed to send protocol message",
			zap.Stringer("action", message.Action), zap.Error(err))
	}
}
