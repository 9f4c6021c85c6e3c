// Package zulip is the chat-service transport: a small API client for
// registering an event queue, sending test messages, draining the queue's
// message events and deleting it again. Authentication is HTTP Basic with
// the bot email and an API key resolved from the environment.
package zulip
