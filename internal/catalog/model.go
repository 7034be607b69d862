package catalog

import "time"

// Book is a catalog entry. AverageRating is derived from its reviews.
type Book struct {
	ID            string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	Title         string    `gorm:"column:title;size:300;not null" json:"title"`
	Author        string    `gorm:"column:author;size:300;not null" json:"author"`
	Genre         string    `gorm:"column:genre;size:120;index:idx_books_genre" json:"genre"`
	AverageRating float64   `gorm:"column:average_rating;not null;default:0" json:"averageRating"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (Book) TableName() string {
	return "books"
}

// Author is a biographical record.
type Author struct {
	ID          string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	FirstName   string    `gorm:"column:first_name;size:190;not null" json:"firstName"`
	LastName    string    `gorm:"column:last_name;size:190;not null" json:"lastName"`
	BirthDate   string    `gorm:"column:birth_date;size:10;not null" json:"birthDate"`
	Nationality string    `gorm:"column:nationality;size:120;not null;index:idx_authors_nationality" json:"nationality"`
	Biography   string    `gorm:"column:biography;type:text;not null" json:"biography"`
	Website     string    `gorm:"column:website;size:500" json:"website,omitempty"`
	Awards      []string  `gorm:"column:awards;serializer:json" json:"awards"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (Author) TableName() string {
	return "authors"
}

// Review is a user's rating of a book.
type Review struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	BookID    string    `gorm:"column:book_id;size:64;not null;index:idx_reviews_book" json:"bookId"`
	UserID    string    `gorm:"column:user_id;size:64;not null;index:idx_reviews_user" json:"userId"`
	Rating    int       `gorm:"column:rating;not null" json:"rating"`
	Comment   string    `gorm:"column:comment;type:text" json:"comment"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (Review) TableName() string {
	return "reviews"
}

// Models lists the catalog tables for schema migration.
func Models() []any {
	return []any{&Book{}, &Author{}, &Review{}}
}
