package delivery

// ModeFor picks the interrupt policy for a chat. A message that arrives as
// an explicit reply to an earlier one is treated as urgent and allowed to
// cut off whatever is being delivered; everything else lets the in-flight
// delivery finish first.
func ModeFor(cc ChatContext) ModePolicy {
	if cc.ReplyToMessageID != "" {
		return ModeReplySafe
	}
	return ModeAnswerSafe
}
