// Package notifier formats catalog change events into a Telegram-HTML message
// and delivers it through a Sink.
//
// # Transport
//
// Delivery is delegated to a Sink implementation (e.g. the Telegram sink in
// internal/transport/telegram). The sink owns platform limits such as message
// chunking; the service owns pacing and retry.
//
// Dispatch is synchronous: the pipeline must know whether a message was
// delivered before it marks the events as sent.
package notifier
