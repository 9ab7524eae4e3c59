package channel

import (
	"fmt"
	"sync"
)

// Catalog is the set of known channels plus per-channel prompt overrides.
type Catalog struct {
	mu        sync.RWMutex
	channels  map[string]Channel
	order     []string
	overrides map[string]map[string]string
}

func NewCatalog(channels []Channel) (*Catalog, error) {
	c := &Catalog{
		channels:  make(map[string]Channel, len(channels)),
		overrides: make(map[string]map[string]string),
	}
	for _, ch := range channels {
		if err := Validate(ch); err != nil {
			return nil, err
		}
		if _, dup := c.channels[ch.ID]; dup {
			return nil, fmt.Errorf("channel %s declared twice", ch.ID)
		}
		c.channels[ch.ID] = ch
		c.order = append(c.order, ch.ID)
	}
	if len(c.order) == 0 {
		return nil, fmt.Errorf("catalog needs at least one channel")
	}
	return c, nil
}

func (c *Catalog) Get(id string) (Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// All returns channels in declaration order.
func (c *Catalog) All() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Channel, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.channels[id])
	}
	return out
}

// First returns the first declared channel id.
func (c *Catalog) First() string {
	return c.order[0]
}

// Template returns the prompt template for a channel, preferring a user override.
func (c *Catalog) Template(channelID, kind string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if custom, ok := c.overrides[channelID][kind]; ok && custom != "" {
		return custom
	}
	return c.channels[channelID].Prompts[kind]
}

// SetTemplate installs a user override for a channel prompt.
func (c *Catalog) SetTemplate(channelID, kind, text string) error {
	switch kind {
	case PromptIntro, PromptSegment, PromptUserInteraction:
	default:
		return fmt.Errorf("prompt kind %q not supported", kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channelID]; !ok {
		return fmt.Errorf("unknown channel %q", channelID)
	}
	if c.overrides[channelID] == nil {
		c.overrides[channelID] = make(map[string]string)
	}
	c.overrides[channelID][kind] = text
	return nil
}

// ResetTemplate drops a user override, restoring the default.
func (c *Catalog) ResetTemplate(channelID, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overrides[channelID], kind)
}

// Customized reports whether a channel prompt has a user override.
func (c *Catalog) Customized(channelID, kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.overrides[channelID][kind]
	return ok
}
