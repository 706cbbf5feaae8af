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

// lookupDisplayName falls back to the id when the directory is unavailable,
// so a Slack outage never blocks a workflow call.
func lookupDisplayName(api *slack.Client, userID string) string {
	if api == nil {
		return userID
	}
	users, err := getCachedUsers(api)
	if err != nil {
		log.Printf("resolve users: get users error: %v", err)
		return userID
	}
	return displayNameIn(users, userID)
}

func displayNameIn(users []slack.User, userID string) string {
	for _, u := range users {
		if u.ID != userID {
			continue
		}
		for _, name := range []string{u.Profile.DisplayName, u.RealName, u.Name} {
			if name = strings.TrimSpace(name); name != "" {
				return name
			}
		}
	}
	return userID
}
