package store

import (
	"fmt"
	"strings"
)

// DisplayName returns the name shown for c. A named chat keeps its name.
// An unnamed direct chat takes the other participant's username, and an
// unnamed group lists up to three members.
func (c Chat) DisplayName(selfID string, friends map[string]Friend) string {
	if c.Name != "" {
		return c.Name
	}

	var others []string
	for _, p := range c.Participants {
		if p != selfID {
			others = append(others, p)
		}
	}

	if !c.IsGroup {
		if len(others) == 0 {
			return "Direct chat"
		}
		return usernameFor(others[0], friends)
	}

	if len(others) == 0 {
		return "Group chat"
	}
	names := make([]string, 0, 3)
	for _, id := range others[:min(3, len(others))] {
		names = append(names, usernameFor(id, friends))
	}
	if rest := len(others) - len(names); rest > 0 {
		return fmt.Sprintf("%s and %d others", strings.Join(names, ", "), rest)
	}
	return strings.Join(names, ", ")
}

// usernameFor falls back to a short form of the user id when the user is not
// a friend.
func usernameFor(id string, friends map[string]Friend) string {
	if f, ok := friends[id]; ok && f.Username != "" && f.Username != id {
		return f.Username
	}
	if r := []rune(id); len(r) > 8 {
		id = string(r[:8])
	}
	return "user_" + id
}
