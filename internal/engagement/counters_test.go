package engagement

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLikeEcho(t *testing.T) {
	t.Run("Local toggle then echo", func(t *testing.T) {
		c := New()
		c.Track("p1", Tally{Likes: 3}, nil)

		_, ok := c.ToggleLike("p1", "me")
		require.True(t, ok)
		assert.False(t, c.ApplyLikeEvent("p1", "me", "me", +1), "Эхо собственного лайка должно игнорироваться")

		got, _ := c.Get("p1")
		assert.Equal(t, Tally{Likes: 4, Liked: true}, got)
	})

	t.Run("Echo then local delta", func(t *testing.T) {
		c := New()
		c.Track("p1", Tally{Likes: 3}, []string{"a", "b", "c"})

		assert.True(t, c.ApplyLikeEvent("p1", "me", "me", +1))
		assert.False(t, c.ApplyLikeDelta("p1", +1, true))

		got, _ := c.Get("p1")
		assert.Equal(t, Tally{Likes: 4, Liked: true}, got)
	})

	t.Run("Unlike echo", func(t *testing.T) {
		c := New()
		c.Track("p1", Tally{Likes: 1, Liked: true}, []string{"me"})

		_, ok := c.ToggleLike("p1", "me")
		require.True(t, ok)
		assert.False(t, c.ApplyLikeEvent("p1", "me", "me", -1))

		got, _ := c.Get("p1")
		assert.Equal(t, Tally{Likes: 0, Liked: false}, got)
	})

	t.Run("Duplicate remote delivery counted once", func(t *testing.T) {
		c := New()
		c.Track("p1", Tally{}, []string{})

		assert.True(t, c.ApplyLikeEvent("p1", "bob", "me", +1))
		assert.False(t, c.ApplyLikeEvent("p1", "bob", "me", +1))
		got, _ := c.Get("p1")
		assert.Equal(t, 1, got.Likes)
		assert.False(t, got.Liked, "Чужой лайк не меняет флаг текущего пользователя")
	})
}

func TestLikeCountNeverNegative(t *testing.T) {
	t.Run("Unmatched deletes", func(t *testing.T) {
		c := New()
		c.Track("p1", Tally{}, nil)

		c.ApplyLikeEvent("p1", "bob", "me", -1)
		c.ApplyLikeDelta("p1", -1, false)
		got, _ := c.Get("p1")
		assert.Equal(t, 0, got.Likes)
	})

	t.Run("Random sequences", func(t *testing.T) {
		r := rand.New(rand.NewPCG(1, 2))
		users := []string{"me", "bob", "carol", "dave"}
		for run := 0; run < 200; run++ {
			c := New()
			var likers []string
			if run%2 == 0 {
				likers = []string{}
			}
			c.Track("p1", Tally{Likes: r.IntN(3)}, likers)
			for step := 0; step < 30; step++ {
				dir := 1
				if r.IntN(2) == 0 {
					dir = -1
				}
				switch r.IntN(3) {
				case 0:
					c.ApplyLikeEvent("p1", users[r.IntN(len(users))], "me", dir)
				case 1:
					c.ApplyLikeDelta("p1", dir, r.IntN(2) == 0)
				default:
					if change, ok := c.ToggleLike("p1", "me"); ok && r.IntN(2) == 0 {
						c.RevertLike("p1", "me", change)
					}
				}
				got, _ := c.Get("p1")
				require.GreaterOrEqual(t, got.Likes, 0, "Счетчик ушел в минус")
			}
		}
	})
}

func TestToggleRevert(t *testing.T) {
	c := New()
	c.Track("p1", Tally{Likes: 5}, nil)

	change, ok := c.ToggleLike("p1", "me")
	require.True(t, ok)
	got, _ := c.Get("p1")
	assert.Equal(t, Tally{Likes: 6, Liked: true}, got)

	c.RevertLike("p1", "me", change)
	got, _ = c.Get("p1")
	assert.Equal(t, Tally{Likes: 5, Liked: false}, got)

	t.Run("Revert keeps concurrent remote likes", func(t *testing.T) {
		change, _ := c.ToggleLike("p1", "me")
		c.ApplyLikeEvent("p1", "bob", "me", +1)
		c.RevertLike("p1", "me", change)

		got, _ := c.Get("p1")
		assert.Equal(t, Tally{Likes: 6, Liked: false}, got)
	})

	t.Run("Revert of floored unlike", func(t *testing.T) {
		c := New()
		c.Track("p2", Tally{Likes: 0, Liked: true}, nil)
		change, _ := c.ToggleLike("p2", "me")
		c.RevertLike("p2", "me", change)

		got, _ := c.Get("p2")
		assert.Equal(t, Tally{Likes: 0, Liked: true}, got)
	})
}

func TestComments(t *testing.T) {
	c := New()
	c.Track("p1", Tally{Comments: 2}, nil)

	assert.True(t, c.ApplyCommentDelta("p1", "c3"))
	assert.False(t, c.ApplyCommentDelta("p1", "c3"), "Повторное событие комментария")
	got, _ := c.Get("p1")
	assert.Equal(t, 3, got.Comments)
	assert.True(t, c.HasComment("p1", "c3"))

	require.True(t, c.SetCommentCount("p1", []string{"c1"}))
	got, _ = c.Get("p1")
	assert.Equal(t, 1, got.Comments)
	assert.False(t, c.HasComment("p1", "c3"))
}

func TestUnknownPost(t *testing.T) {
	c := New()

	assert.False(t, c.ApplyLikeDelta("ghost", +1, false))
	assert.False(t, c.ApplyLikeEvent("ghost", "bob", "me", +1))
	assert.False(t, c.ApplyCommentDelta("ghost", "c1"))
	_, ok := c.ToggleLike("ghost", "me")
	assert.False(t, ok)
	_, ok = c.Get("ghost")
	assert.False(t, ok)

	c.Track("p1", Tally{Likes: 1}, nil)
	c.Forget("p1")
	assert.False(t, c.ApplyLikeDelta("p1", +1, false))
}
