package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// --- Extraction write entry points ---

// PutExtractedPage stores (or replaces) the extracted text of one page.
func (b *Book) PutExtractedPage(p Page) error {
	_, err := b.db.Exec(`
		INSERT INTO pages (page_id, page_number, text) VALUES (?, ?, ?)
		ON CONFLICT(page_id) DO UPDATE SET page_number = excluded.page_number, text = excluded.text`,
		p.PageID, p.PageNumber, p.Text,
	)
	if err != nil {
		return fmt.Errorf("saving page %s: %w", p.PageID, err)
	}
	return nil
}

// PutImage stores (or replaces) one extracted image.
func (b *Book) PutImage(img Image) error {
	_, err := b.db.Exec(`
		INSERT INTO images (image_id, page_id, width, height, mime, data) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(image_id) DO UPDATE SET
			page_id = excluded.page_id, width = excluded.width, height = excluded.height,
			mime = excluded.mime, data = excluded.data`,
		img.ImageID, img.PageID, img.Width, img.Height, img.MIME, img.Data,
	)
	if err != nil {
		return fmt.Errorf("saving image %s: %w", img.ImageID, err)
	}
	return nil
}

// PutPdfMetadata stores the document metadata of the source PDF.
func (b *Book) PutPdfMetadata(m PdfMetadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(`
		INSERT INTO pdf_metadata (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, string(data))
	if err != nil {
		return fmt.Errorf("saving pdf metadata: %w", err)
	}
	return nil
}

// --- Reads ---

// GetPdfMetadata returns the stored document metadata.
func (b *Book) GetPdfMetadata() (PdfMetadata, error) {
	var data string
	err := b.db.QueryRow(`SELECT data FROM pdf_metadata WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return PdfMetadata{}, ErrNotFound
	}
	if err != nil {
		return PdfMetadata{}, err
	}
	var m PdfMetadata
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return PdfMetadata{}, fmt.Errorf("decoding pdf metadata: %w", err)
	}
	return m, nil
}

// ListPages returns all extracted pages ordered by page number.
func (b *Book) ListPages() ([]Page, error) {
	rows, err := b.db.Query(`SELECT page_id, page_number, text FROM pages ORDER BY page_number ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.PageID, &p.PageNumber, &p.Text); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// GetPage returns one extracted page.
func (b *Book) GetPage(pageID string) (Page, error) {
	var p Page
	err := b.db.QueryRow(`SELECT page_id, page_number, text FROM pages WHERE page_id = ?`, pageID).
		Scan(&p.PageID, &p.PageNumber, &p.Text)
	if err == sql.ErrNoRows {
		return Page{}, ErrNotFound
	}
	if err != nil {
		return Page{}, err
	}
	return p, nil
}

// ListImages returns the images of a page ordered by id, including their bytes.
func (b *Book) ListImages(pageID string) ([]Image, error) {
	rows, err := b.db.Query(`
		SELECT image_id, page_id, width, height, mime, data
		FROM images WHERE page_id = ? ORDER BY image_id ASC`, pageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ImageID, &img.PageID, &img.Width, &img.Height, &img.MIME, &img.Data); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// GetImage returns one image by id.
func (b *Book) GetImage(imageID string) (Image, error) {
	var img Image
	err := b.db.QueryRow(`
		SELECT image_id, page_id, width, height, mime, data
		FROM images WHERE image_id = ?`, imageID,
	).Scan(&img.ImageID, &img.PageID, &img.Width, &img.Height, &img.MIME, &img.Data)
	if err == sql.ErrNoRows {
		return Image{}, ErrNotFound
	}
	if err != nil {
		return Image{}, err
	}
	return img, nil
}
