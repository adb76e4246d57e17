// Package route resolves which agent instance owns an inbound message and
// remembers where previous messages were routed.
package route

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Bounded map sizes. Old entries are evicted, never errored on.
const (
	messageMemoryCap      = 4000
	conversationMemoryCap = 2000
	promptMemoryCap       = 2000
)

// Route records which instance handled a message.
type Route struct {
	ProjectName string
	InstanceID  string
	AgentType   string
}

// Memory holds the bounded routing maps: messageID -> Route,
// conversationKey -> Route, and the last prompt per instance for /retry.
type Memory struct {
	byMessage      *lru.Cache[string, Route]
	byConversation *lru.Cache[string, Route]
	lastPrompt     *lru.Cache[string, string]
}

// NewMemory creates the bounded route memory.
func NewMemory() *Memory {
	byMessage, _ := lru.New[string, Route](messageMemoryCap)
	byConversation, _ := lru.New[string, Route](conversationMemoryCap)
	lastPrompt, _ := lru.New[string, string](promptMemoryCap)
	return &Memory{
		byMessage:      byMessage,
		byConversation: byConversation,
		lastPrompt:     lastPrompt,
	}
}

// RememberMessage records the route for a message id.
func (m *Memory) RememberMessage(messageID string, r Route) {
	if messageID == "" {
		return
	}
	m.byMessage.Add(messageID, r)
}

// RememberConversation records the route for a conversation key.
func (m *Memory) RememberConversation(key string, r Route) {
	if key == "" {
		return
	}
	m.byConversation.Add(key, r)
}

// ByMessage looks up the route for a message id.
func (m *Memory) ByMessage(messageID string) (Route, bool) {
	if messageID == "" {
		return Route{}, false
	}
	return m.byMessage.Get(messageID)
}

// ByConversation looks up the route for a conversation key.
func (m *Memory) ByConversation(key string) (Route, bool) {
	if key == "" {
		return Route{}, false
	}
	return m.byConversation.Get(key)
}

// RememberPrompt records the last prompt sent to an instance for /retry.
func (m *Memory) RememberPrompt(projectName, instanceID, prompt string) {
	m.lastPrompt.Add(projectName+"/"+instanceID, prompt)
}

// LastPrompt returns the last prompt sent to an instance.
func (m *Memory) LastPrompt(projectName, instanceID string) (string, bool) {
	return m.lastPrompt.Get(projectName + "/" + instanceID)
}
