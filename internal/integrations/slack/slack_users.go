package slackbot

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
)

const userCacheTTL = 5 * time.Minute

var userCache struct {
	sync.Mutex
	users     []slack.User
	fetchedAt time.Time
}

func getCachedUsers(api *slack.Client) ([]slack.User, error) {
	userCache.Lock()
	defer userCache.Unlock()

	if userCache.users != nil && time.Since(userCache.fetchedAt) < userCacheTTL {
		return userCache.users, nil
	}

	users, err := api.GetUsers()
	if err != nil {
		return nil, err
	}
	userCache.users = users
	userCache.fetchedAt = time.Now()
	return users, nil
}

// userDisplayName returns a readable name for a Slack user id, falling
// back to the id itself.
func userDisplayName(api *slack.Client, userID string) string {
	if !isLikelySlackID(userID) {
		return userID
	}
	users, err := getCachedUsers(api)
	if err != nil {
		log.Printf("resolve user %s: %v", userID, err)
		return userID
	}
	return displayNameFrom(users, userID)
}

func displayNameFrom(users []slack.User, userID string) string {
	for _, u := range users {
		if u.ID != userID {
			continue
		}
		for _, n := range []string{u.Profile.DisplayName, u.RealName, u.Name} {
			if n = strings.TrimSpace(n); n != "" {
				return n
			}
		}
	}
	return userID
}

func isLikelySlackID(val string) bool {
	if len(val) < 9 {
		return false
	}
	for i, r := range val {
		if i == 0 {
			if r != 'U' && r != 'W' {
				return false
			}
			continue
		}
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
