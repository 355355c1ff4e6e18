package genai

import "github.com/hawkfranklin/aura/pkg/provider/live"

// FailSend injects an SDK send failure into ch.
func FailSend(ch live.Channel, err error) { ch.(*channel).shutdownWith(err) }
