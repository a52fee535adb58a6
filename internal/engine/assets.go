package engine

import (
	"os"
	"path/filepath"
)

// Assets are relative refs to the avatar and frame art for one identity.
// The HTTP layer that serves the files is outside this daemon; only the
// refs travel in the snapshot.
type Assets struct {
	AvatarIdle *string `json:"avatar_idle"`
	AvatarTalk *string `json:"avatar_talk"`
	FrameIdle  string  `json:"frame_idle"`
	FrameTalk  *string `json:"frame_talk"`
}

// AssetResolver maps a persistent identity to its asset refs.
type AssetResolver interface {
	Resolve(uid string) Assets
}

var avatarExts = []string{".svg", ".png", ".apng", ".gif", ".webp", ".avif"}

const (
	frameIdleRef = "assets/frames/tv_idle.png"
	frameTalkRef = "assets/frames/tv_talk.png"
)

// DirResolver resolves avatar refs by probing an assets directory laid out
// as users/<uid>/avatar.<ext> and users/<uid>/avatar_talk.<ext>.
type DirResolver struct {
	Dir string
}

func (r DirResolver) Resolve(uid string) Assets {
	idle := r.find(uid, "avatar")
	talk := r.find(uid, "avatar_talk")
	if talk == nil {
		talk = idle
	}
	frameTalk := frameTalkRef
	return Assets{
		AvatarIdle: idle,
		AvatarTalk: talk,
		FrameIdle:  frameIdleRef,
		FrameTalk:  &frameTalk,
	}
}

func (r DirResolver) find(uid, stem string) *string {
	if uid == "" {
		return nil
	}
	for _, ext := range avatarExts {
		candidate := filepath.Join(r.Dir, "users", uid, stem+ext)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			ref := "assets/users/" + uid + "/" + stem + ext
			return &ref
		}
	}
	return nil
}

// nullResolver emits frame refs only; used when no assets directory is
// configured.
type nullResolver struct{}

func (nullResolver) Resolve(string) Assets {
	frameTalk := frameTalkRef
	return Assets{FrameIdle: frameIdleRef, FrameTalk: &frameTalk}
}
