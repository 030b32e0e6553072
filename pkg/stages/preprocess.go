package stages

import (
	"context"
	"strings"

	"chatgate/pkg/bus"
	"chatgate/pkg/pipeline"
)

// Media describes one non-text segment.
type Media struct {
	Type bus.SegmentType
	URL  string
	File string
}

// Preprocess derives normalized text, mention state and media descriptors.
type Preprocess struct {
	selfIDs map[string]struct{}
}

// NewPreprocess builds the stage. selfIDs are the bot's own user IDs; a
// mention segment targeting one of them marks the event as mentioned.
func NewPreprocess(selfIDs ...string) *Preprocess {
	ids := make(map[string]struct{}, len(selfIDs))
	for _, id := range selfIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids[id] = struct{}{}
		}
	}
	return &Preprocess{selfIDs: ids}
}

func (p *Preprocess) Name() string { return NamePreprocess }

func (p *Preprocess) Process(_ context.Context, pc *pipeline.Context) error {
	ev := pc.Event

	mentioned := ev.Mentioned
	var (
		media    []Media
		hasImage bool
		hasVoice bool
	)
	for _, seg := range ev.Segments {
		switch seg.Type {
		case bus.SegmentMention:
			if _, ok := p.selfIDs[seg.Target]; ok {
				mentioned = true
			}
		case bus.SegmentImage:
			hasImage = true
			media = append(media, Media{Type: seg.Type, URL: seg.URL, File: seg.File})
		case bus.SegmentVoice:
			hasVoice = true
			media = append(media, Media{Type: seg.Type, URL: seg.URL, File: seg.File})
		}
	}

	pc.Set(pipeline.KeyText, ev.PlainText())
	pc.Set(pipeline.KeyMentioned, mentioned)
	pc.Set(pipeline.KeyHasImage, hasImage)
	pc.Set(pipeline.KeyHasVoice, hasVoice)
	if len(media) > 0 {
		pc.Set(pipeline.KeyMedia, media)
	}
	return nil
}
