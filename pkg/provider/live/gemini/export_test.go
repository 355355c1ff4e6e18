package gemini

import "github.com/hawkfranklin/aura/pkg/provider/live"

// FailWrite injects a socket write failure into ch.
func FailWrite(ch live.Channel, err error) { ch.(*channel).failWrite(err) }
