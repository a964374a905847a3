package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/Thejuampi/realtime-client-go/realtime"
)

// printer serializes tool output. Colour is disabled automatically when the
// output is not a terminal.
type printer struct {
	lock sync.Mutex
	out  io.Writer

	channel *color.Color
	name    *color.Color
	state   *color.Color
	failure *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:     out,
		channel: color.New(color.FgCyan),
		name:    color.New(color.FgGreen, color.Bold),
		state:   color.New(color.FgYellow),
		failure: color.New(color.FgRed),
	}
}

func (p *printer) message(channel string) func(*realtime.Message) {
	return func(message *realtime.Message) {
		p.lock.Lock()
		defer p.lock.Unlock()
		fmt.Fprintf(p.out, "%s %s %s\n", p.channel.Sprintf("[%s]", channel), p.name.Sprint(message.Name), formatData(message.Data))
	}
}

func (p *printer) channelState(channel string, change realtime.ChannelStateChange) {
	p.lock.Lock()
	defer p.lock.Unlock()
	line := fmt.Sprintf("%s %s -> %s", p.channel.Sprintf("[%s]", channel), change.Previous, p.state.Sprint(change.Current))
	if change.Reason != nil {
		line += " " + p.failure.Sprint(change.Reason.Error())
	}
	fmt.Fprintln(p.out, line)
}

func (p *printer) connectionState(change realtime.ConnectionStateChange) {
	p.lock.Lock()
	defer p.lock.Unlock()
	line := fmt.Sprintf("connection %s -> %s", change.Previous, p.state.Sprint(change.Current))
	if change.Reason != nil {
		line += " " + p.failure.Sprint(change.Reason.Error())
	}
	fmt.Fprintln(p.out, line)
}

func formatData(data interface{}) string {
	switch value := data.(type) {
	case nil:
		return ""
	case string:
		return value
	case []byte:
		return fmt.Sprintf("%x", value)
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(encoded)
	}
}
