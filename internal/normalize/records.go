package normalize

import (
	"slices"

	"github.com/ButyrinIA/feedsync/internal/models"
)

// Post переводит выборку поста в каноническую запись.
// viewerID определяет флаг лайка текущего пользователя.
func Post(rec models.PostRecord, viewerID string) models.Post {
	return models.Post{
		ID:            rec.ID,
		AuthorID:      rec.UserID,
		Author:        models.AuthorFromProfile(rec.Author, rec.UserID),
		Content:       rec.Content,
		Media:         rec.MediaURL,
		CreatedAt:     rec.CreatedAt,
		Timestamp:     models.FormatPostTime(rec.CreatedAt),
		LikeCount:     len(rec.LikerIDs),
		LikedByViewer: viewerID != "" && slices.Contains(rec.LikerIDs, viewerID),
		CommentCount:  rec.CommentCount,
		Comments:      []models.Comment{},
	}
}

func Comment(rec models.CommentRecord) models.Comment {
	return models.Comment{
		ID:        rec.ID,
		PostID:    rec.PostID,
		AuthorID:  rec.UserID,
		Author:    models.AuthorFromProfile(rec.Author, rec.UserID),
		Content:   rec.Content,
		CreatedAt: rec.CreatedAt,
		Timestamp: models.FormatCommentTime(rec.CreatedAt),
	}
}

// Notification переводит уведомление в каноническую запись. Сниппет берется
// из сохраненного значения, иначе из комментария (для комментариев) или поста.
func Notification(rec models.NotificationRecord, snippetLen int) models.Notification {
	n := models.Notification{
		ID:          rec.ID,
		RecipientID: rec.RecipientID,
		ActorID:     rec.ActorID,
		Actor:       models.AuthorFromProfile(rec.Actor, rec.ActorID),
		Kind:        rec.Type,
		PostID:      rec.PostID,
		CommentID:   rec.CommentID,
		Read:        rec.IsRead,
		CreatedAt:   rec.CreatedAt,
	}
	switch {
	case rec.ContentSnippet != nil && *rec.ContentSnippet != "":
		n.Snippet = *rec.ContentSnippet
	case rec.Type == models.KindComment && rec.CommentContent != nil:
		n.Snippet = models.Snippet(*rec.CommentContent, snippetLen)
	case rec.PostContent != nil:
		n.Snippet = models.Snippet(*rec.PostContent, snippetLen)
	}
	return n
}
