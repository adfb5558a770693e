package domain

import (
	"fmt"
	"strings"
)

// GalleryRef 是画廊的唯一身份：id 与 token 必须同时存在，单独任何一个都没有意义。
type GalleryRef struct {
	ID    uint64 `json:"gid"`
	Token string `json:"token"`
}

func (r GalleryRef) Valid() bool {
	return r.ID > 0 && strings.TrimSpace(r.Token) != ""
}

// Path 返回站点上的画廊详情路径：/g/{id}/{token}/
func (r GalleryRef) Path() string {
	return fmt.Sprintf("/g/%d/%s/", r.ID, r.Token)
}

func (r GalleryRef) String() string {
	return fmt.Sprintf("%d/%s", r.ID, r.Token)
}

// GallerySummary 是列表页中的一行；由 extract 构造，构造后不再修改。
type GallerySummary struct {
	GalleryRef
	URL       string       `json:"url"`
	Title     string       `json:"title"`
	ThumbnailRef
	Category  string       `json:"category"`
	Uploader  string       `json:"uploader"`
	PageCount *int         `json:"pages,omitempty"`
}

// Pagination 的不变式：HasNext == (NextCursor != nil)。
// 请使用 NewPagination 构造，避免两个字段不一致。
type Pagination struct {
	HasNext    bool    `json:"has_next"`
	NextCursor *string `json:"next_id"`
}

func NewPagination(cursor string) Pagination {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return Pagination{}
	}
	return Pagination{HasNext: true, NextCursor: &cursor}
}

// GalleryDetail 是详情页解析结果。
//
// Images 由 manifest 聚合器单独填充；两种清单来源都失败时保持为空（JSON 中省略）。
type GalleryDetail struct {
	GalleryRef
	ThumbnailRef
	Title       string `json:"title"`
	TitleNative string `json:"title_jpn,omitempty"`

	// Tags 的 key 是命名空间；TagOrder 保留页面上的命名空间顺序（map 本身无序）。
	Tags     map[string][]string `json:"tags"`
	TagOrder []string            `json:"tag_namespaces,omitempty"`
	Metadata map[string]string   `json:"info,omitempty"`

	DeclaredImageCount *int   `json:"total_images,omitempty"`
	DeclaredPageCount  int    `json:"total_pages"`
	ViewerURL          string `json:"mpv_url,omitempty"`

	Images []ImageDescriptor `json:"images,omitempty"`
}

// ImageDescriptor 是 manifest 中的一项。
//
// 约束：完整 manifest 的 Index 构成 1..N 且无空洞；N 在已知时等于 DeclaredImageCount。
type ImageDescriptor struct {
	ThumbnailRef
	Index    uint32 `json:"page"`
	FileName string `json:"name"`
	Key      string `json:"key"`
	PageURL  string `json:"url"`
}

// IsContiguous 判断 images 的 Index 是否严格为 1..len(images)。
func IsContiguous(images []ImageDescriptor) bool {
	for i, im := range images {
		if im.Index != uint32(i+1) {
			return false
		}
	}
	return true
}
