package feeds

import "context"

// Feed record keys. Bluesky limits these to 15 characters.
const (
	MediaOnlyShortname          = "media-only"
	FollowingMediaOnlyShortname = "flw-media-only"
)

// Algo produces one page of a feed for a requester, who may be anonymous.
type Algo func(ctx context.Context, requester string, params Params) Skeleton

// Algos maps each served shortname to its handler.
func (e *Engine) Algos() map[string]Algo {
	return map[string]Algo{
		MediaOnlyShortname: func(ctx context.Context, _ string, params Params) Skeleton {
			return e.MediaOnly(ctx, params)
		},
		FollowingMediaOnlyShortname: e.FollowingMediaOnly,
	}
}
