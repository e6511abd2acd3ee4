package webhook

import (
	"fmt"
	"time"

	"confwatch/internal/domain"
)

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

// fixed palette keyed by event type
var discordColors = map[domain.EventType]int{
	domain.EventTaskStarted:   0x3498DB, // blue
	domain.EventTaskCompleted: 0x2ECC71, // green
	domain.EventTaskFailed:    0xE74C3C, // red
	domain.EventTest:          0x95A5A6, // grey
}

func discordPayload(p domain.WebhookPayload) discordMessage {
	// Slack-style emoji codes don't render on Discord, the colored embed
	// carries the status instead.
	_, title := eventBadge(p.Event)

	color, ok := discordColors[p.Event]
	if !ok {
		color = 0x95A5A6
	}

	embed := discordEmbed{
		Title:       title,
		Description: p.Message,
		Color:       color,
		Timestamp:   p.Timestamp.Format(time.RFC3339),
		Footer:      &discordFooter{Text: "confwatch scheduler"},
	}

	for _, f := range payloadFields(p) {
		embed.Fields = append(embed.Fields, discordField{Name: f.name, Value: f.value, Inline: true})
	}

	if p.Error != "" {
		embed.Fields = append(embed.Fields, discordField{
			Name:   "Error",
			Value:  fmt.Sprintf("```\n%s\n```", truncate(p.Error, 500)),
			Inline: false,
		})
	}

	if p.DetailsURL != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Details", Value: p.DetailsURL, Inline: false})
	}

	return discordMessage{Embeds: []discordEmbed{embed}}
}
